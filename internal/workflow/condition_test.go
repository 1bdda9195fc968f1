package workflow

import (
	"encoding/json"
	"testing"
)

func TestEvaluate(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"fetch": json.RawMessage(`{"output":"status: ok","count":3,"nested":{"flag":true}}`),
		"check": json.RawMessage(`{"result":false}`),
		"empty": json.RawMessage(`{"text":""}`),
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{`fetch.count == 3`, true, false},
		{`fetch.count != 3`, false, false},
		{`fetch.count > 2`, true, false},
		{`fetch.count >= 3`, true, false},
		{`fetch.count < 3`, false, false},
		{`fetch.count <= 2`, false, false},
		{`fetch.output == "status: ok"`, true, false},
		{`fetch.output contains "ok"`, true, false},
		{`fetch.output contains "fail"`, false, false},
		{`fetch.nested.flag`, true, false},
		{`fetch.nested.flag == true`, true, false},
		{`check.result`, false, false},
		{`check.result == false`, true, false},
		{`empty.text`, false, false},
		{`missing.path`, false, false},
		{`fetch.count`, true, false},
		{`fetch.missing == null`, true, false},
		{``, false, true},
		{`fetch.output > 3`, false, true},
		{`fetch.count contains "3"`, false, true},
		{`fetch.count == notaliteral`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, outputs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}
