package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/persona/dom"
)

type element struct {
	el  *rod.Element
	tag string
}

func wrap(ctx context.Context, el *rod.Element) (*element, error) {
	res, err := el.Context(ctx).Eval(jsLocalName)
	if err != nil {
		return nil, fmt.Errorf("browser: tag name: %w", err)
	}
	return &element{el: el, tag: res.Value.Str()}, nil
}

func wrapAll(ctx context.Context, els rod.Elements) ([]dom.Element, error) {
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		e, err := wrap(ctx, el)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (e *element) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	res, err := e.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("browser: <%s>: %w", e.tag, err)
	}
	return res, nil
}

func (e *element) TagName() string { return e.tag }

func (e *element) TextContent(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, jsTextContent)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e *element) SetTextContent(ctx context.Context, text string) error {
	_, err := e.eval(ctx, jsSetText, text)
	return err
}

func (e *element) HasChildNodes(ctx context.Context) (bool, error) {
	res, err := e.eval(ctx, jsHasChildNodes)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *element) ReplaceFirstText(ctx context.Context, text string) error {
	_, err := e.eval(ctx, jsReplaceFirstText, text)
	return err
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	res, err := e.eval(ctx, jsGetAttr, name)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (e *element) SetAttr(ctx context.Context, name, value string) error {
	_, err := e.eval(ctx, jsSetAttr, name, value)
	return err
}

func (e *element) AddClass(ctx context.Context, classes ...string) error {
	if len(classes) == 0 {
		return nil
	}
	_, err := e.eval(ctx, jsAddClass, classes)
	return err
}

func (e *element) HasClass(ctx context.Context, class string) (bool, error) {
	res, err := e.eval(ctx, jsHasClass, class)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *element) SetStyleProperty(ctx context.Context, name, value string) error {
	_, err := e.eval(ctx, jsSetStyle, name, value)
	return err
}

func (e *element) StyleProperty(ctx context.Context, name string) (string, error) {
	res, err := e.eval(ctx, jsGetStyle, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Value.Str()), nil
}

func (e *element) ComputedDisplay(ctx context.Context) (string, error) {
	res, err := e.eval(ctx, jsDisplay)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e *element) SetInnerHTML(ctx context.Context, fragment string) error {
	_, err := e.eval(ctx, jsSetInnerHTML, fragment)
	return err
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, queryError(selector, err)
	}
	return wrapAll(ctx, els)
}
