// Package protocol defines the XML request and response documents of
// the exchange wire protocol and their parsing and rendering.
package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Request is a parsed request document: exactly one of Create or
// Transactions is set.
type Request struct {
	Create       *CreateRequest
	Transactions *TransactionsRequest
}

// CreateRequest is the <create> document: provisioning steps in
// document order.
type CreateRequest struct {
	Steps []CreateStep
}

// CreateStep is one child of <create>. Exactly one field is set;
// Unknown carries the tag name of an unrecognized child.
type CreateStep struct {
	Account *CreateAccount
	Symbol  *CreateSymbol
	Unknown string
}

// CreateAccount is <account id="..." balance="..."/>. Attribute values
// stay raw strings so malformed numbers can be echoed back in errors.
type CreateAccount struct {
	ID      string
	Balance string
}

// CreateSymbol is <symbol sym="..."> with its account share credits in
// document order.
type CreateSymbol struct {
	Symbol  string
	Credits []SymbolCredit
}

// SymbolCredit is one <account id="...">SHARES</account> inside a
// <symbol> element.
type SymbolCredit struct {
	AccountID string
	Shares    string
}

// TransactionsRequest is the <transactions id="..."> document: the
// acting account and its actions in document order.
type TransactionsRequest struct {
	AccountID string
	Actions   []Action
}

// Action is one child of <transactions>. Exactly one field is set;
// Unknown carries the tag name of an unrecognized child.
type Action struct {
	Order   *OrderAction
	Cancel  *CancelAction
	Query   *QueryAction
	Unknown string
}

// OrderAction is <order sym="..." amount="..." limit="..."/>.
type OrderAction struct {
	Symbol string
	Amount string
	Limit  string
}

// CancelAction is <cancel id="..."/>.
type CancelAction struct {
	OrderID string
}

// QueryAction is <query id="..."/>.
type QueryAction struct {
	OrderID string
}

// Parse decodes one request document. Children are preserved in
// document order; unknown child tags are kept so the router can report
// them without aborting the batch. An unknown root tag or malformed
// XML is a document-level error.
func Parse(data []byte) (*Request, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := nextElement(dec)
	if err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}

	switch root.Name.Local {
	case "create":
		create, err := parseCreate(dec)
		if err != nil {
			return nil, err
		}
		return &Request{Create: create}, nil
	case "transactions":
		txns, err := parseTransactions(dec, root)
		if err != nil {
			return nil, err
		}
		return &Request{Transactions: txns}, nil
	default:
		return nil, fmt.Errorf("unknown root tag: %s", root.Name.Local)
	}
}

func parseCreate(dec *xml.Decoder) (*CreateRequest, error) {
	req := &CreateRequest{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return req, nil
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "account":
			req.Steps = append(req.Steps, CreateStep{Account: &CreateAccount{
				ID:      attr(start, "id"),
				Balance: attr(start, "balance"),
			}})
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("malformed XML: %w", err)
			}
		case "symbol":
			sym, err := parseSymbol(dec, start)
			if err != nil {
				return nil, err
			}
			req.Steps = append(req.Steps, CreateStep{Symbol: sym})
		default:
			req.Steps = append(req.Steps, CreateStep{Unknown: start.Name.Local})
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("malformed XML: %w", err)
			}
		}
	}
}

func parseSymbol(dec *xml.Decoder, start xml.StartElement) (*CreateSymbol, error) {
	sym := &CreateSymbol{Symbol: attr(start, "sym")}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "account" {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("malformed XML: %w", err)
				}
				continue
			}
			shares, err := elementText(dec)
			if err != nil {
				return nil, err
			}
			sym.Credits = append(sym.Credits, SymbolCredit{
				AccountID: attr(t, "id"),
				Shares:    strings.TrimSpace(shares),
			})
		case xml.EndElement:
			return sym, nil
		}
	}
}

func parseTransactions(dec *xml.Decoder, root xml.StartElement) (*TransactionsRequest, error) {
	req := &TransactionsRequest{AccountID: attr(root, "id")}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return req, nil
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "order":
			req.Actions = append(req.Actions, Action{Order: &OrderAction{
				Symbol: attr(start, "sym"),
				Amount: attr(start, "amount"),
				Limit:  attr(start, "limit"),
			}})
		case "cancel":
			req.Actions = append(req.Actions, Action{Cancel: &CancelAction{OrderID: attr(start, "id")}})
		case "query":
			req.Actions = append(req.Actions, Action{Query: &QueryAction{OrderID: attr(start, "id")}})
		default:
			req.Actions = append(req.Actions, Action{Unknown: start.Name.Local})
		}
		if err := dec.Skip(); err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
	}
}

func nextElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func elementText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("malformed XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			return sb.String(), nil
		case xml.StartElement:
			if err := dec.Skip(); err != nil {
				return "", fmt.Errorf("malformed XML: %w", err)
			}
		}
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
