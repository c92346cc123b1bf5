// Package domtest provides an in-memory dom.Provider for tests.
package domtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"keke-agent/internal/dom"
)

// Node is a fake rendered element. Children maps a selector to the elements
// it matches below this node.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	HTML     string
	Children map[string][]*Node
	Typed    []string
}

// NewNode creates a node with the given attributes.
func NewNode(name string, attrs map[string]string) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Node{Name: name, Attrs: attrs, Children: map[string][]*Node{}}
}

// Set replaces the matches for selector below n.
func (n *Node) Set(selector string, nodes ...*Node) *Node {
	n.Children[selector] = nodes
	return n
}

// Fake implements dom.Provider over a tree of Nodes.
type Fake struct {
	mu sync.Mutex

	URL  string
	Root *Node

	Navigations []string
	Clicks      []*Node
	Enters      int
	Screenshots int

	// Fail makes the named operation return the error.
	Fail map[string]error

	OnClick func(n *Node)
	OnEnter func(n *Node)
}

// New creates an empty fake located at url.
func New(url string) *Fake {
	return &Fake{URL: url, Root: NewNode("root", nil), Fail: map[string]error{}}
}

// Set replaces the page-level matches for selector.
func (f *Fake) Set(selector string, nodes ...*Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Root.Set(selector, nodes...)
}

func (f *Fake) fail(op string) error {
	if err, ok := f.Fail[op]; ok {
		return err
	}
	return nil
}

func node(h dom.Handle) (*Node, error) {
	n, ok := h.(*Node)
	if !ok || n == nil {
		return nil, errors.New("domtest: foreign handle")
	}
	return n, nil
}

func (f *Fake) CurrentLocation(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("location"); err != nil {
		return "", err
	}
	return f.URL, nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("navigate"); err != nil {
		return err
	}
	f.Navigations = append(f.Navigations, url)
	f.URL = url
	return nil
}

func (f *Fake) FindOne(ctx context.Context, selector string, _ time.Duration) (dom.Handle, error) {
	return f.FindIn(ctx, f.Root, selector)
}

func (f *Fake) FindAll(ctx context.Context, selector string) ([]dom.Handle, error) {
	return f.FindAllIn(ctx, f.Root, selector)
}

func (f *Fake) FindIn(_ context.Context, root dom.Handle, selector string) (dom.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("find"); err != nil {
		return nil, err
	}
	n, err := node(root)
	if err != nil {
		return nil, err
	}
	matches := n.Children[selector]
	if len(matches) == 0 {
		return nil, dom.ErrElementNotFound
	}
	return matches[0], nil
}

func (f *Fake) FindAllIn(_ context.Context, root dom.Handle, selector string) ([]dom.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("find"); err != nil {
		return nil, err
	}
	n, err := node(root)
	if err != nil {
		return nil, err
	}
	out := make([]dom.Handle, 0, len(n.Children[selector]))
	for _, c := range n.Children[selector] {
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) Attribute(_ context.Context, h dom.Handle, name string) (string, bool, error) {
	n, err := node(h)
	if err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := n.Attrs[name]
	return v, ok, nil
}

func (f *Fake) Text(_ context.Context, h dom.Handle) (string, error) {
	n, err := node(h)
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

func (f *Fake) InnerHTML(_ context.Context, h dom.Handle) (string, error) {
	n, err := node(h)
	if err != nil {
		return "", err
	}
	if n.HTML == "" {
		return n.Text, nil
	}
	return n.HTML, nil
}

func (f *Fake) Click(_ context.Context, h dom.Handle) error {
	n, err := node(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.fail("click"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Clicks = append(f.Clicks, n)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *Fake) TypeText(_ context.Context, h dom.Handle, text string) error {
	n, err := node(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("type"); err != nil {
		return err
	}
	n.Typed = append(n.Typed, text)
	return nil
}

func (f *Fake) PressEnter(_ context.Context, h dom.Handle) error {
	n, err := node(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.fail("enter"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Enters++
	hook := f.OnEnter
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *Fake) Screenshot(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Screenshots++
	return []byte("\x89PNG fake"), nil
}

var _ dom.Provider = (*Fake)(nil)
