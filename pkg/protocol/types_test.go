package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessageAction(t *testing.T) {
	msg := &Message{
		Tags: []Tag{
			{Name: TagType, Value: "Message"},
			{Name: TagAction, Value: "Eval"},
		},
	}
	if got := msg.Action(); got != "Eval" {
		t.Errorf("Action mismatch: got %s, want Eval", got)
	}

	if got := (&Message{}).Action(); got != "" {
		t.Errorf("Action of untagged message: got %q, want empty", got)
	}
}

func TestMessageJSONFieldNames(t *testing.T) {
	msg := Message{ID: "Foo", BlockHeight: "1000", Timestamp: 7}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{`"Id":"Foo"`, `"Block-Height":"1000"`, `"Timestamp":7`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded message %s missing %s", data, key)
		}
	}
}

func TestComputeFunc(t *testing.T) {
	var step ComputeStep = ComputeFunc(func(ctx context.Context, prior []byte, msg *Message, env *Environment) (*Result, error) {
		return &Result{Memory: prior, Output: msg.Data}, nil
	})

	res, err := step.Invoke(context.Background(), []byte{1}, &Message{Data: "hi"}, &Environment{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "hi" || len(res.Memory) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestClockNeverGoesBackwards(t *testing.T) {
	times := []time.Time{
		time.UnixMilli(1000),
		time.UnixMilli(2000),
		time.UnixMilli(1500), // wall clock stepped back
		time.UnixMilli(2500),
	}
	i := 0
	c := &Clock{now: func() time.Time {
		ts := times[i]
		i++
		return ts
	}}

	want := []int64{1000, 2000, 2000, 2500}
	for _, w := range want {
		if got := c.Next(); got != w {
			t.Errorf("Next() = %d, want %d", got, w)
		}
	}
}
