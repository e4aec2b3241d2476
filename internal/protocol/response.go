package protocol

import (
	"encoding/xml"
	"fmt"
)

// Results is the response document: one child per request child, in
// request order.
type Results struct {
	XMLName  xml.Name `xml:"results"`
	Children []any
}

// Created reports a successful account creation or share credit.
type Created struct {
	XMLName xml.Name `xml:"created"`
	Sym     string   `xml:"sym,attr,omitempty"`
	ID      string   `xml:"id,attr"`
}

// Opened reports a successfully placed order, echoing its parameters
// and carrying the assigned order id.
type Opened struct {
	XMLName xml.Name `xml:"opened"`
	Sym     string   `xml:"sym,attr"`
	Amount  string   `xml:"amount,attr"`
	Limit   string   `xml:"limit,attr"`
	ID      string   `xml:"id,attr"`
}

// Canceled reports a successful cancel: the order's fills followed by
// the canceled remainder when any shares were left open.
type Canceled struct {
	XMLName   xml.Name `xml:"canceled"`
	ID        string   `xml:"id,attr"`
	Executed  []Executed
	Remainder *CanceledShares
}

// Status reports an order query: its open or canceled remainder first,
// then its fills in ascending execution time.
type Status struct {
	XMLName   xml.Name `xml:"status"`
	ID        string   `xml:"id,attr"`
	Open      *OpenShares
	Remainder *CanceledShares
	Executed  []Executed
}

// Executed is one fill record.
type Executed struct {
	XMLName xml.Name `xml:"executed"`
	Shares  string   `xml:"shares,attr"`
	Price   string   `xml:"price,attr"`
	Time    int64    `xml:"time,attr"`
}

// OpenShares is the still-open remainder of an OPEN order.
type OpenShares struct {
	XMLName xml.Name `xml:"open"`
	Shares  string   `xml:"shares,attr"`
}

// CanceledShares is the remainder released by a cancel.
type CanceledShares struct {
	XMLName xml.Name `xml:"canceled"`
	Shares  string   `xml:"shares,attr"`
	Time    int64    `xml:"time,attr"`
}

// Error reports one failing child, echoing the identifying attributes
// of the request child that produced it.
type Error struct {
	XMLName xml.Name `xml:"error"`
	Sym     string   `xml:"sym,attr,omitempty"`
	Amount  string   `xml:"amount,attr,omitempty"`
	Limit   string   `xml:"limit,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Msg     string   `xml:",chardata"`
}

// Render serializes a response document.
func Render(res *Results) ([]byte, error) {
	out, err := xml.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to render response: %w", err)
	}
	return out, nil
}

// RenderError serializes a document-scope failure: a single error
// element wrapped in its own results root.
func RenderError(msg string) []byte {
	out, err := Render(&Results{Children: []any{Error{Msg: msg}}})
	if err != nil {
		return []byte("<results><error>internal error</error></results>")
	}
	return out
}
