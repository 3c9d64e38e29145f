package models

import (
	"encoding/xml"
	"strings"
)

// Element is a namespaced XML element as exchanged over the room transport.
// Stanzas, event payloads and their attr children are all Elements.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []Element  `xml:",any"`
	Text     string     `xml:",chardata"`
}

// NewElement returns an element with the given namespace and local name.
func NewElement(space, local string) Element {
	return Element{XMLName: xml.Name{Space: space, Local: local}}
}

// Name returns the lowercased local name of the element.
func (e Element) Name() string {
	return strings.ToLower(e.XMLName.Local)
}

// Namespace returns the namespace the element was declared in.
func (e Element) Namespace() string {
	return e.XMLName.Space
}

// Attr returns the value of the non-namespaced attribute name.
func (e Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name && (a.Name.Space == "" || a.Name.Space == e.XMLName.Space) {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or def when absent.
func (e Element) AttrOr(name, def string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return def
}

// SetAttr sets or replaces an attribute.
func (e *Element) SetAttr(name, value string) {
	for i, a := range e.Attrs {
		if a.Name.Local == name && a.Name.Space == "" {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

// Clone returns a deep copy.
func (e Element) Clone() Element {
	out := Element{XMLName: e.XMLName, Text: e.Text}
	out.Attrs = append(out.Attrs, e.Attrs...)
	for _, c := range e.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Append adds child elements.
func (e *Element) Append(children ...Element) {
	e.Children = append(e.Children, children...)
}

// Child returns the first child with the given lowercased local name,
// optionally restricted to a namespace.
func (e Element) Child(local string, space ...string) (Element, bool) {
	for _, c := range e.Children {
		if c.Name() != local {
			continue
		}
		if len(space) > 0 && c.Namespace() != space[0] {
			continue
		}
		return c, true
	}
	return Element{}, false
}

// ChildrenNamed returns all children with the given lowercased local name.
func (e Element) ChildrenNamed(local string) []Element {
	var out []Element
	for _, c := range e.Children {
		if c.Name() == local {
			out = append(out, c)
		}
	}
	return out
}

// Marshal encodes the element. Namespace declarations carried over from a
// decoded document are dropped; XMLName.Space is authoritative.
func (e Element) Marshal() ([]byte, error) {
	return xml.Marshal(e.stripNS())
}

func (e Element) stripNS() Element {
	out := Element{XMLName: e.XMLName, Text: e.Text}
	for _, a := range e.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		out.Attrs = append(out.Attrs, a)
	}
	for _, c := range e.Children {
		out.Children = append(out.Children, c.stripNS())
	}
	return out
}

// UnmarshalElement decodes a single XML element.
func UnmarshalElement(data []byte) (Element, error) {
	var e Element
	if err := xml.Unmarshal(data, &e); err != nil {
		return Element{}, err
	}
	return e, nil
}
