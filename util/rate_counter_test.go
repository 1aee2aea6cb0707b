package util

import (
	"context"
	"io/ioutil"
	"strings"
	"testing"
	"time"
)

func TestRateCounterReads(t *testing.T) {
	r := NewRateCounter(1000000, time.Minute)
	defer r.Stop()
	in := r.Wrap(context.Background(), strings.NewReader("hello there"))
	b, err := ioutil.ReadAll(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello there" {
		t.Errorf("Received %q, expected %q", string(b), "hello there")
	}
}

func TestRateCounterStopped(t *testing.T) {
	// zero rate means there are never any credits
	r := NewRateCounter(0, time.Hour)
	r.Stop()
	in := r.Wrap(context.Background(), strings.NewReader("hello"))
	_, err := in.Read(make([]byte, 10))
	if err != ErrStopped {
		t.Errorf("Received %v, expected %v", err, ErrStopped)
	}
}

func TestRateCounterContext(t *testing.T) {
	r := NewRateCounter(0, time.Hour)
	defer r.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	in := r.Wrap(ctx, strings.NewReader("hello"))
	_, err := in.Read(make([]byte, 10))
	if err != context.DeadlineExceeded {
		t.Errorf("Received %v, expected %v", err, context.DeadlineExceeded)
	}
}
