// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmlstream_test

import (
	"fmt"
	"testing"

	"mellium.im/reactor/xmlstream"
)

// record subscribes to every parser event and keeps a readable trace.
func record(p *xmlstream.Parser) *[]string {
	var trace []string
	p.StartElement.Subscribe(func(n xmlstream.Name) {
		trace = append(trace, fmt.Sprintf("start %s:%s", n.Namespace, n.Name))
	})
	p.AttributeName.Subscribe(func(n xmlstream.Name) {
		trace = append(trace, fmt.Sprintf("attr %s:%s", n.Namespace, n.Name))
	})
	p.AttributeValue.Subscribe(func(v string) {
		trace = append(trace, fmt.Sprintf("value %s", v))
	})
	p.Data.Subscribe(func(text string) {
		trace = append(trace, fmt.Sprintf("data %s", text))
	})
	p.EndElement.Subscribe(func(n xmlstream.Name) {
		trace = append(trace, fmt.Sprintf("end %s:%s", n.Namespace, n.Name))
	})
	return &trace
}

var tokenCases = [...]struct {
	input string
	want  []string
}{
	0: {
		input: "<a:b x='1'><c/>text</a:b>",
		want: []string{
			"start a:b",
			"attr :x",
			"value 1",
			"start :c",
			"end :c",
			"data text",
			"end a:b",
		},
	},
	1: {
		input: "<?xml version='1.0'?><root/>",
		want:  []string{"start :root", "end :root"},
	},
	2: {
		input: `<e k="double" k2='single'/>`,
		want: []string{
			"start :e",
			"attr :k", "value double",
			"attr :k2", "value single",
			"end :e",
		},
	},
	3: {
		input: "<e>a &amp; b</e>",
		want:  []string{"start :e", "data a & b", "end :e"},
	},
	4: {
		input: "<a><b>inner</b><b>again</b></a>",
		want: []string{
			"start :a",
			"start :b", "data inner", "end :b",
			"start :b", "data again", "end :b",
			"end :a",
		},
	},
	5: {
		input: "<e attr='a &lt; b'/>",
		want:  []string{"start :e", "attr :attr", "value a < b", "end :e"},
	},
}

func TestTokens(t *testing.T) {
	for i, tc := range tokenCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			p := xmlstream.NewParser()
			trace := record(p)
			if err := p.Feed([]byte(tc.input)); err != nil {
				t.Fatalf("feed: %v", err)
			}
			assertTrace(t, *trace, tc.want)
		})
	}
}

// TestTokensByteAtATime verifies that suspension at every possible
// byte boundary produces the same token stream.
func TestTokensByteAtATime(t *testing.T) {
	for i, tc := range tokenCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			p := xmlstream.NewParser()
			trace := record(p)
			for j := 0; j < len(tc.input); j++ {
				if err := p.Feed([]byte{tc.input[j]}); err != nil {
					t.Fatalf("feed byte %d: %v", j, err)
				}
			}
			assertTrace(t, *trace, tc.want)
		})
	}
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %q, want %d %q", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInvalidAttributeQuote(t *testing.T) {
	p := xmlstream.NewParser()
	err := p.Feed([]byte("<e k=unquoted/>"))
	if err == nil {
		t.Fatal("unquoted attribute accepted")
	}
	if again := p.Feed([]byte("<ok/>")); again == nil {
		t.Error("parser kept going after an error")
	}
}
