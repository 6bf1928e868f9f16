package health

import (
	"sync"

	"github.com/pkg/errors"
)

// Checker is a component whose health can be queried, e.g. by the /health endpoint.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete is called.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
