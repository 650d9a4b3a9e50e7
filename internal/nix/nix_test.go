package nix

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Message
		ok   bool
	}{
		{
			name: "build start",
			raw:  `@nix {"action":"start","id":7,"type":105,"fields":["/nix/store/aaa-x.drv","",1,1]}`,
			want: Message{ID: 7, Kind: MessageStart, Drv: "/nix/store/aaa-x.drv"},
			ok:   true,
		},
		{
			name: "build log line",
			raw:  `@nix {"action":"result","id":7,"type":101,"fields":["compiling main.c"]}`,
			want: Message{ID: 7, Kind: MessageBuildLogLine, Line: "compiling main.c"},
			ok:   true,
		},
		{
			name: "set phase",
			raw:  `@nix {"action":"result","id":7,"type":104,"fields":["buildPhase"]}`,
			want: Message{ID: 7, Kind: MessagePhase, Phase: "buildPhase"},
			ok:   true,
		},
		{
			name: "stop",
			raw:  `@nix {"action":"stop","id":7}`,
			want: Message{ID: 7, Kind: MessageStop},
			ok:   true,
		},
		{
			name: "plain stderr line",
			raw:  "warning: something",
			ok:   false,
		},
		{
			name: "other activity",
			raw:  `@nix {"action":"start","id":3,"type":100,"fields":["/nix/store/x"]}`,
			ok:   false,
		},
		{
			name: "other result",
			raw:  `@nix {"action":"result","id":3,"type":105,"fields":[1,2]}`,
			ok:   false,
		},
		{
			name: "malformed json",
			raw:  `@nix {not json`,
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseMessage(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("message = %+v, want %+v", got, tc.want)
			}
		})
	}
}

const derivationJSON = `{
	"/nix/store/aaa-x.drv": {
		"outputs": {
			"out": {"path": "/nix/store/aaa-x"},
			"dev": {"path": "/nix/store/aaa-x-dev"}
		},
		"inputDrvs": {
			"/nix/store/bbb-dep1.drv": {"outputs": ["out"]},
			"/nix/store/ccc-dep2.drv": {"outputs": ["out"]}
		}
	}
}`

func TestParseDerivation(t *testing.T) {
	drv, err := ParseDerivation(json.RawMessage(derivationJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if drv.Path != "/nix/store/aaa-x.drv" {
		t.Fatalf("path = %q", drv.Path)
	}
	if drv.Outputs["out"] != "/nix/store/aaa-x" || drv.Outputs["dev"] != "/nix/store/aaa-x-dev" {
		t.Fatalf("outputs = %v", drv.Outputs)
	}
	if drv.DefaultOutput() != "/nix/store/aaa-x" {
		t.Fatalf("default output = %q", drv.DefaultOutput())
	}

	if _, err := ParseDerivation(json.RawMessage(`{}`)); err == nil {
		t.Fatal("empty attrset should fail")
	}
	if _, err := ParseDerivation(json.RawMessage(`not json`)); err == nil {
		t.Fatal("malformed json should fail")
	}
}

func TestInputDrvs(t *testing.T) {
	inputs, err := InputDrvs("/nix/store/aaa-x.drv", json.RawMessage(derivationJSON))
	if err != nil {
		t.Fatalf("input drvs: %v", err)
	}
	sort.Strings(inputs)
	want := []string{"/nix/store/bbb-dep1.drv", "/nix/store/ccc-dep2.drv"}
	if len(inputs) != len(want) || inputs[0] != want[0] || inputs[1] != want[1] {
		t.Fatalf("inputs = %v, want %v", inputs, want)
	}

	if _, err := InputDrvs("/nix/store/missing.drv", json.RawMessage(derivationJSON)); err == nil {
		t.Fatal("missing drv should fail")
	}
}

func TestParseBuildOutputs(t *testing.T) {
	stdout := `[{"drvPath":"/nix/store/aaa-x.drv","outputs":{"out":"/nix/store/aaa-x"}}]`
	outputs, err := ParseBuildOutputs([]byte(stdout))
	if err != nil {
		t.Fatalf("parse outputs: %v", err)
	}
	if outputs["out"] != "/nix/store/aaa-x" {
		t.Fatalf("outputs = %v", outputs)
	}

	if _, err := ParseBuildOutputs([]byte(`[]`)); err == nil {
		t.Fatal("empty result should fail")
	}
}
