package pipeline

import "testing"

func TestInterruptController(t *testing.T) {
	c := NewInterruptController()

	if c.IsRequested("p1") {
		t.Error("IsRequested() true before any request")
	}

	ch := c.Signal("p1")
	select {
	case <-ch:
		t.Fatal("signal channel closed before request")
	default:
	}

	c.Request("p1")
	c.Request("p1") // repeated requests are safe

	if !c.IsRequested("p1") {
		t.Error("IsRequested() false after request")
	}
	select {
	case <-ch:
	default:
		t.Error("signal channel not closed after request")
	}

	if c.IsRequested("p2") {
		t.Error("request leaked across pipelines")
	}

	c.Clear("p1")
	if c.IsRequested("p1") {
		t.Error("IsRequested() true after clear")
	}
}
