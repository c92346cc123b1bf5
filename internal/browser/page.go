package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"keke-agent/internal/dom"
	"keke-agent/internal/whatsapp"
)

// innerHTMLUnits returns innerHTML as UTF-16 code units so lone surrogates
// survive the trip through the protocol.
const innerHTMLUnits = `() => {
	const s = this.innerHTML;
	const units = new Array(s.length);
	for (let i = 0; i < s.length; i++) units[i] = s.charCodeAt(i);
	return units;
}`

// PageProvider implements dom.Provider on a single rod page.
type PageProvider struct {
	page *rod.Page
}

var _ dom.Provider = (*PageProvider)(nil)

func NewPageProvider(page *rod.Page) *PageProvider {
	return &PageProvider{page: page}
}

// Page exposes the underlying page.
func (p *PageProvider) Page() *rod.Page {
	return p.page
}

func (p *PageProvider) CurrentLocation(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", dom.Transient("location", err)
	}
	return info.URL, nil
}

func (p *PageProvider) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return dom.Transient("navigate", err)
	}
	if err := page.WaitLoad(); err != nil {
		return dom.Transient("navigate", err)
	}
	return nil
}

func (p *PageProvider) FindOne(ctx context.Context, selector string, timeout time.Duration) (dom.Handle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page := p.page.Context(waitCtx)
	var el *rod.Element
	var err error
	if dom.IsXPath(selector) {
		el, err = page.ElementX(selector)
	} else {
		el, err = page.Element(selector)
	}
	if err != nil {
		return nil, notFound(ctx, "find", err)
	}
	return el.Context(ctx), nil
}

func (p *PageProvider) FindAll(ctx context.Context, selector string) ([]dom.Handle, error) {
	page := p.page.Context(ctx)
	var els rod.Elements
	var err error
	if dom.IsXPath(selector) {
		els, err = page.ElementsX(selector)
	} else {
		els, err = page.Elements(selector)
	}
	if err != nil {
		return nil, notFound(ctx, "find", err)
	}
	return handles(els), nil
}

func (p *PageProvider) FindIn(ctx context.Context, root dom.Handle, selector string) (dom.Handle, error) {
	el, err := element(root)
	if err != nil {
		return nil, err
	}
	scoped := el.Context(ctx).Sleeper(rod.NotFoundSleeper)
	var found *rod.Element
	if dom.IsXPath(selector) {
		found, err = scoped.ElementX(selector)
	} else {
		found, err = scoped.Element(selector)
	}
	if err != nil {
		return nil, notFound(ctx, "find", err)
	}
	return found, nil
}

func (p *PageProvider) FindAllIn(ctx context.Context, root dom.Handle, selector string) ([]dom.Handle, error) {
	el, err := element(root)
	if err != nil {
		return nil, err
	}
	scoped := el.Context(ctx)
	var els rod.Elements
	if dom.IsXPath(selector) {
		els, err = scoped.ElementsX(selector)
	} else {
		els, err = scoped.Elements(selector)
	}
	if err != nil {
		return nil, notFound(ctx, "find", err)
	}
	return handles(els), nil
}

func (p *PageProvider) Attribute(ctx context.Context, h dom.Handle, name string) (string, bool, error) {
	el, err := element(h)
	if err != nil {
		return "", false, err
	}
	v, err := el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, dom.Transient("attribute", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (p *PageProvider) Text(ctx context.Context, h dom.Handle) (string, error) {
	el, err := element(h)
	if err != nil {
		return "", err
	}
	text, err := el.Context(ctx).Text()
	if err != nil {
		return "", dom.Transient("text", err)
	}
	return text, nil
}

func (p *PageProvider) InnerHTML(ctx context.Context, h dom.Handle) (string, error) {
	el, err := element(h)
	if err != nil {
		return "", err
	}
	res, err := el.Context(ctx).Eval(innerHTMLUnits)
	if err != nil {
		return "", dom.Transient("inner html", err)
	}
	return whatsapp.DecodeCodeUnits(codeUnits(res.Value)), nil
}

func codeUnits(v gson.JSON) []uint16 {
	arr := v.Arr()
	units := make([]uint16, len(arr))
	for i, u := range arr {
		units[i] = uint16(u.Int())
	}
	return units
}

func (p *PageProvider) Click(ctx context.Context, h dom.Handle) error {
	el, err := element(h)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return dom.Transient("click", err)
	}
	return nil
}

// TypeText types text into h. Line breaks become Shift+Enter so a multi-line
// reply stays one message.
func (p *PageProvider) TypeText(ctx context.Context, h dom.Handle, text string) error {
	el, err := element(h)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			if err := p.page.Context(ctx).KeyActions().Press(input.ShiftLeft).Type(input.Enter).Do(); err != nil {
				return dom.Transient("type", err)
			}
		}
		if line == "" {
			continue
		}
		if err := el.Input(line); err != nil {
			return dom.Transient("type", err)
		}
	}
	return nil
}

func (p *PageProvider) PressEnter(ctx context.Context, h dom.Handle) error {
	el, err := element(h)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Type(input.Enter); err != nil {
		return dom.Transient("enter", err)
	}
	return nil
}

func (p *PageProvider) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, dom.Transient("screenshot", err)
	}
	return png, nil
}

func element(h dom.Handle) (*rod.Element, error) {
	el, ok := h.(*rod.Element)
	if !ok || el == nil {
		return nil, fmt.Errorf("handle %T is not a rod element", h)
	}
	return el, nil
}

func handles(els rod.Elements) []dom.Handle {
	out := make([]dom.Handle, len(els))
	for i, el := range els {
		out[i] = el
	}
	return out
}

// notFound maps rod's lookup failures onto dom.ErrElementNotFound, leaving
// cancellation of the caller's context untouched.
func notFound(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var nf *rod.ElementNotFoundError
	if errors.As(err, &nf) || errors.Is(err, context.DeadlineExceeded) {
		return dom.ErrElementNotFound
	}
	return dom.Transient(op, err)
}
