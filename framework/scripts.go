package framework

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/ui"
)

// Finisher scripts report once every test has been through them
type Finisher interface {
	Finish() error
}

// RegisterDefaultScripts adds the scripts of the "default" module
func RegisterDefaultScripts(s *action.Scripts) error {
	if err := s.Register("default.CountTest", NewCountTest); err != nil {
		return err
	}
	return s.Register("default.PrintTestTree", NewPrintTestTree)
}

// CountTest reports the number of selected tests per application
type CountTest struct {
	out io.Writer

	mu     sync.Mutex
	apps   []*model.Application
	counts map[*model.Application]int
}

func NewCountTest(_ []string, out io.Writer) (action.Action, error) {
	return &CountTest{out: out, counts: make(map[*model.Application]int)}, nil
}

func (c *CountTest) Name() string { return "Counting" }

func (c *CountTest) SetUpApplication(_ context.Context, app *model.Application) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counts[app]; !ok {
		c.apps = append(c.apps, app)
		c.counts[app] = 0
	}
	return nil
}

func (c *CountTest) Call(_ context.Context, t *model.Node) (action.ControlFlow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counts[t.App]; !ok {
		c.apps = append(c.apps, t.App)
	}
	c.counts[t.App]++
	return action.Done, nil
}

func (c *CountTest) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, app := range c.apps {
		total += c.counts[app]
		if _, err := fmt.Fprintf(c.out, "%s has %d tests\n", app.Description(), c.counts[app]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(c.out, "There are %d tests in total.\n", total)
	return err
}

// PrintTestTree draws the selected tests of each application as a tree
type PrintTestTree struct {
	out io.Writer
}

func NewPrintTestTree(_ []string, out io.Writer) (action.Action, error) {
	return &PrintTestTree{out: out}, nil
}

func (p *PrintTestTree) Name() string { return "Printing test tree" }

func (p *PrintTestTree) SetUpSuite(_ context.Context, s *model.Node) error {
	if s.Parent() != nil {
		return nil
	}
	return ui.WriteTree(p.out, s, func(n *model.Node) string {
		if n.Parent() == nil {
			return fmt.Sprintf("%s (%s)", n.App.FullName, n.App.Description())
		}
		if n.IsSuite() {
			return n.Name + "/"
		}
		return n.Name
	}, (*model.Node).Children)
}

func (p *PrintTestTree) Call(context.Context, *model.Node) (action.ControlFlow, error) {
	return action.Done, nil
}
