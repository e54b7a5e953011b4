package browser

// Element scripts run with `this` bound to the element.
const (
	jsLocalName     = `() => this.localName`
	jsTextContent   = `() => this.textContent`
	jsSetText       = `(text) => { this.textContent = text; }`
	jsHasChildNodes = `() => this.hasChildNodes()`
	jsGetAttr       = `(name) => this.getAttribute(name)`
	jsSetAttr       = `(name, value) => { this.setAttribute(name, value); }`
	jsAddClass      = `(classes) => { this.classList.add(...classes); }`
	jsHasClass      = `(cls) => this.classList.contains(cls)`
	jsSetStyle      = `(name, value) => { this.style.setProperty(name, value); }`
	jsGetStyle      = `(name) => this.style.getPropertyValue(name)`
	jsDisplay       = `() => getComputedStyle(this).display`
	jsSetInnerHTML  = `(markup) => { this.innerHTML = markup; }`

	jsReplaceFirstText = `(text) => {
		const walker = document.createTreeWalker(this, NodeFilter.SHOW_TEXT);
		let written = false;
		for (let n = walker.nextNode(); n; n = walker.nextNode()) {
			if (written) {
				n.nodeValue = '';
			} else if (n.nodeValue.trim() !== '') {
				n.nodeValue = text;
				written = true;
			}
		}
		if (!written) this.appendChild(document.createTextNode(text));
	}`
)

// Document scripts.
const (
	jsLocation   = `() => location.href`
	jsReadyState = `() => document.readyState`

	jsInjectStyle = `(id, css) => {
		if (document.getElementById(id)) return false;
		const style = document.createElement('style');
		style.id = id;
		style.textContent = css;
		(document.head || document.documentElement).appendChild(style);
		return true;
	}`

	// jsObserve counts DOM mutations into window.__iwMutations so the Go
	// side can poll a single integer instead of streaming records.
	jsObserve = `() => {
		if (window.__iwObserver) return;
		window.__iwMutations = 0;
		window.__iwObserver = new MutationObserver((records) => {
			window.__iwMutations += records.length;
		});
		window.__iwObserver.observe(document.documentElement, {
			childList: true, attributes: true, characterData: true, subtree: true
		});
	}`
	jsMutations = `() => window.__iwMutations || 0`

	jsClaimFlag = `(name) => {
		if (window[name]) return false;
		window[name] = true;
		return true;
	}`
)
