package topics

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the topic namespace before the colon.
type Kind string

const (
	KindSystem    Kind = "system"
	KindAgent     Kind = "agent"
	KindThread    Kind = "thread"
	KindUser      Kind = "user"
	KindExecution Kind = "workflow_execution"
)

// Topic addresses one fan-out stream. System has no ref; every other kind
// carries exactly one.
type Topic struct {
	Kind Kind
	Ref  string
}

func (t Topic) String() string {
	if t.Kind == KindSystem {
		return string(KindSystem)
	}
	return string(t.Kind) + ":" + t.Ref
}

// Well-formed topic constructors.
func System() Topic                   { return Topic{Kind: KindSystem} }
func ForAgent(id uuid.UUID) Topic     { return Topic{Kind: KindAgent, Ref: id.String()} }
func ForThread(id uuid.UUID) Topic    { return Topic{Kind: KindThread, Ref: id.String()} }
func ForUser(userID string) Topic     { return Topic{Kind: KindUser, Ref: userID} }
func ForExecution(id uuid.UUID) Topic { return Topic{Kind: KindExecution, Ref: id.String()} }

// Parse validates a wire topic string. Agent, thread, and execution refs
// must be UUIDs; user refs are opaque non-empty strings.
func Parse(s string) (Topic, error) {
	if s == string(KindSystem) {
		return System(), nil
	}
	kind, ref, ok := strings.Cut(s, ":")
	if !ok || ref == "" {
		return Topic{}, fmt.Errorf("malformed topic %q", s)
	}
	switch Kind(kind) {
	case KindAgent, KindThread, KindExecution:
		if _, err := uuid.Parse(ref); err != nil {
			return Topic{}, fmt.Errorf("topic %q: ref is not a uuid", s)
		}
		return Topic{Kind: Kind(kind), Ref: ref}, nil
	case KindUser:
		return Topic{Kind: KindUser, Ref: ref}, nil
	default:
		return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
	}
}
