package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"controlnav/internal/navigation"
	"controlnav/internal/routing"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"
)

// bindingName is the window function the page hooks call to reach Go.
const bindingName = "__controlnavEmit"

// pageHooks runs in every document of a session page. It forwards popstate
// and plain primary clicks on anchors whose path is in the published route
// table. Intercepted clicks have their default action prevented; Go decides
// whether the navigation happens in-app or by a full load.
const pageHooks = `() => {
	const w = window;
	if (w.__controlnav) return true;
	w.__controlnav = { routes: [] };

	const emit = (payload) => {
		try {
			if (typeof w.` + bindingName + ` === 'function') w.` + bindingName + `(payload);
		} catch (e) {}
	};

	w.addEventListener('popstate', () => {
		emit({ type: 'popstate', pathname: location.pathname, search: location.search, origin: location.origin, hash: location.hash });
	});

	document.addEventListener('click', (ev) => {
		const el = ev.target && ev.target.closest ? ev.target.closest('a[href]') : null;
		if (!el) return;
		if (ev.defaultPrevented || ev.button !== 0 || ev.ctrlKey || ev.metaKey || ev.shiftKey || ev.altKey) return;
		const target = (el.getAttribute('target') || '').trim().toLowerCase();
		if (target && target !== '_self') return;
		let url;
		try { url = new URL(el.href, location.href); } catch (e) { return; }
		if (url.origin !== location.origin) return;
		const path = url.pathname.replace(/\/+$/, '') || '/';
		if (!w.__controlnav.routes.includes(path)) return;
		ev.preventDefault();
		emit({ type: 'click', href: el.getAttribute('href'), button: ev.button, target: target });
	}, true);
	return true;
}`

// PagePort implements navigation.Port over a live page. Location reads and
// history writes are CDP evaluations; history traversal and anchor clicks
// arrive through an exposed binding.
type PagePort struct {
	page    *rod.Page
	timeout time.Duration

	mu        sync.Mutex
	listeners map[int]func(navigation.Location)
	nextID    int
	onClick   func(href string, ev navigation.ClickEvent)

	stopExpose func() error
	removeHook func() error
}

// NewPagePort installs the page hooks and binding on page. The hooks apply
// to the current document and every document loaded afterwards.
func NewPagePort(page *rod.Page, timeout time.Duration) (*PagePort, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &PagePort{
		page:      page,
		timeout:   timeout,
		listeners: make(map[int]func(navigation.Location)),
	}

	stop, err := page.Expose(bindingName, p.handleBinding)
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", bindingName, err)
	}
	p.stopExpose = stop

	remove, err := page.EvalOnNewDocument("(" + pageHooks + ")()")
	if err != nil {
		_ = stop()
		return nil, fmt.Errorf("install page hooks: %w", err)
	}
	p.removeHook = remove

	if _, err := p.eval(context.Background(), pageHooks); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("hook current document: %w", err)
	}
	return p, nil
}

func (p *PagePort) Location(ctx context.Context) (navigation.Location, error) {
	res, err := p.eval(ctx, `() => ({ pathname: location.pathname, search: location.search, origin: location.origin, hash: location.hash })`)
	if err != nil {
		return navigation.Location{}, fmt.Errorf("read page location: %w", err)
	}
	return decodeLocation(res), nil
}

func (p *PagePort) SetLocation(ctx context.Context, path string, opts navigation.SetOptions) error {
	_, err := p.eval(ctx, `(url, push) => {
		if (push) history.pushState(history.state, '', url);
		else history.replaceState(history.state, '', url);
		return true;
	}`, path, opts.Push)
	if err != nil {
		return fmt.Errorf("write page history: %w", err)
	}
	return nil
}

func (p *PagePort) OnLocationChange(fn func(navigation.Location)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// OnClick sets the handler for anchor clicks caught by the page hooks.
func (p *PagePort) OnClick(fn func(href string, ev navigation.ClickEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick = fn
}

// SetRoutes publishes the paths the page hooks may intercept.
func (p *PagePort) SetRoutes(ctx context.Context, routes []string) error {
	_, err := p.eval(ctx, `(routes) => {
		if (!window.__controlnav) return false;
		window.__controlnav.routes = routes;
		return true;
	}`, routes)
	return err
}

// Back and Forward traverse history like the browser buttons. The resulting
// popstate reaches OnLocationChange listeners asynchronously.
func (p *PagePort) Back(ctx context.Context) error {
	_, err := p.eval(ctx, `() => { history.back(); return true; }`)
	return err
}

func (p *PagePort) Forward(ctx context.Context) error {
	_, err := p.eval(ctx, `() => { history.forward(); return true; }`)
	return err
}

// Assign performs a full document navigation to href, the browser's default
// action for a link the controller did not intercept.
func (p *PagePort) Assign(ctx context.Context, href string) error {
	_, err := p.eval(ctx, `(href) => { location.assign(href); return true; }`, href)
	return err
}

// Close removes the binding and the new-document hook.
func (p *PagePort) Close() error {
	var first error
	if p.removeHook != nil {
		if err := p.removeHook(); err != nil {
			first = err
		}
		p.removeHook = nil
	}
	if p.stopExpose != nil {
		if err := p.stopExpose(); err != nil && first == nil {
			first = err
		}
		p.stopExpose = nil
	}
	return first
}

func (p *PagePort) eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (p *PagePort) handleBinding(payload gson.JSON) (interface{}, error) {
	switch payload.Get("type").Str() {
	case "popstate":
		p.emitLocation(decodeLocation(payload))
	case "click":
		p.mu.Lock()
		fn := p.onClick
		p.mu.Unlock()
		if fn != nil {
			fn(payload.Get("href").Str(), decodeClick(payload))
		}
	}
	return nil, nil
}

func (p *PagePort) emitLocation(loc navigation.Location) {
	p.mu.Lock()
	fns := make([]func(navigation.Location), 0, len(p.listeners))
	for id := 0; id < p.nextID; id++ {
		if fn, ok := p.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(loc)
	}
}

// strField reads a string member of a binding payload. Missing or
// non-string members read as "".
func strField(v gson.JSON, key string) string {
	s, _ := v.Get(key).Val().(string)
	return s
}

func decodeLocation(v gson.JSON) navigation.Location {
	loc := navigation.Location{
		Pathname: strField(v, "pathname"),
		Search:   strField(v, "search"),
		Origin:   strField(v, "origin"),
		Hash:     strField(v, "hash"),
	}
	if loc.Pathname == "" {
		loc.Pathname = "/"
	}
	if loc.Search == "?" {
		loc.Search = ""
	}
	if loc.Hash == "#" {
		loc.Hash = ""
	}
	if loc.Origin == "null" {
		loc.Origin = ""
	}
	return loc
}

// decodeClick rebuilds the click the page hooks forwarded. Hooks only forward
// unmodified clicks, so modifiers are absent from the payload.
func decodeClick(v gson.JSON) navigation.ClickEvent {
	return navigation.ClickEvent{
		Button: v.Get("button").Int(),
		Target: strField(v, "target"),
	}
}

// routesFor lists the paths that address a tab under state's base path,
// including the base path itself.
func routesFor(state routing.State, tabs *routing.TabSet) []string {
	routes := make([]string, 0, len(tabs.Tabs())+1)
	root := state.BasePath
	if root == "" {
		root = "/"
	}
	routes = append(routes, root)
	for _, tab := range tabs.Tabs() {
		routes = append(routes, routing.PathForTab(tab, state.BasePath))
	}
	return routes
}
