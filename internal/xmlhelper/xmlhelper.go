// Package xmlhelper implements the bounded XML helper interface: XPath
// query evaluation plus XML<->JSON conversion. The original is a
// constructor-created JS global (`XML.query`/`fromJson`/`toJson`) guarded
// by a setjmp/longjmp error path; this port has no embedded script
// runtime to host (out of scope), so each operation is a plain function
// returning (string, error) — the "bounded result type" the design notes
// call for. A future JS-runtime binding can wrap these three calls 1:1
// and translate the error return into a thrown value.
package xmlhelper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/clbanning/mxj/v2"
)

// Query evaluates xpathExpr against xmlDoc and returns the string value
// of the first matching node, mirroring XML.query(xml, xpath).
func Query(xmlDoc, xpathExpr string) (string, error) {
	doc, err := xmlquery.Parse(strings.NewReader(xmlDoc))
	if err != nil {
		return "", fmt.Errorf("parsing xml: %w", err)
	}

	expr, err := xpath.Compile(xpathExpr)
	if err != nil {
		return "", fmt.Errorf("compiling xpath %q: %w", xpathExpr, err)
	}

	node := xmlquery.QuerySelector(doc, expr)
	if node == nil {
		return "", fmt.Errorf("xpath %q matched no node", xpathExpr)
	}
	return node.InnerText(), nil
}

// FromJSON converts a JSON document into an XML document, mirroring
// XML.fromJson(json).
func FromJSON(jsonDoc string) (string, error) {
	m, err := mxj.NewMapJson([]byte(jsonDoc))
	if err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	xmlBytes, err := m.Xml()
	if err != nil {
		return "", fmt.Errorf("converting json to xml: %w", err)
	}
	return string(xmlBytes), nil
}

// ToJSON converts an XML document into a JSON document, mirroring
// XML.toJson(xml).
func ToJSON(xmlDoc string) (string, error) {
	m, err := mxj.NewMapXml([]byte(xmlDoc))
	if err != nil {
		return "", fmt.Errorf("invalid xml: %w", err)
	}
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("converting xml to json: %w", err)
	}
	return string(jsonBytes), nil
}
