// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, test := range []struct {
		level Level
		json  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(test.level)
		if err != nil || string(b) != test.json {
			t.Errorf("json.Marshal(%v) = %s, %v, want %s", test.level, b, err, test.json)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil || got != test.level {
			t.Errorf("json.Unmarshal(%s) = %v, %v, want %v", b, got, err, test.level)
		}
	}
	if _, err := json.Marshal(Level(9)); err == nil {
		t.Errorf("json.Marshal(Level(9)) succeeded")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "0", want: Warning},
		{in: "1", want: Info},
		{in: "2", want: Debug},
		{in: `"WARN"`, want: Warning},
		{in: "3", wantErr: true},
		{in: `"verbose"`, wantErr: true},
		{in: "true", wantErr: true},
	} {
		var got Level
		err := json.Unmarshal([]byte(test.in), &got)
		if test.wantErr {
			if err == nil {
				t.Errorf("json.Unmarshal(%s) = %v, want error", test.in, got)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("json.Unmarshal(%s) = %v, %v, want %v", test.in, got, err, test.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "mapped %d pages", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasSuffix(line, "}\n") {
		t.Errorf("line %q does not end an object", line)
	}
	var got jsonEntry
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if got.Msg != "mapped 3 pages" || got.Level != Info || !got.Time.Equal(time.Unix(0, 0)) {
		t.Errorf("got %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
}
