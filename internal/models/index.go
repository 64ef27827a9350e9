package models

import (
	"fmt"
	"strings"
)

// Index identifies the underlying whose weekly options are traded.
type Index string

const (
	IndexNifty      Index = "NIFTY"
	IndexBankNifty  Index = "BANKNIFTY"
	IndexFinNifty   Index = "FINNIFTY"
	IndexMidcpNifty Index = "MIDCPNIFTY"
	IndexSensex     Index = "SENSEX"
	IndexBankex     Index = "BANKEX"
	IndexCrudeOil   Index = "CRUDEOIL"
)

// IndexSpec holds the exchange conventions for an index.
type IndexSpec struct {
	// StrikeStep is the distance between listed strikes.
	StrikeStep float64
	// LotSize is the contract multiplier; order quantities must be a multiple of it.
	LotSize int
	// Exchange is where the options trade.
	Exchange string
	// UnderlyingExchange is where the underlying quote comes from.
	UnderlyingExchange string
}

var indexSpecs = map[Index]IndexSpec{
	IndexNifty:      {StrikeStep: 50, LotSize: 50, Exchange: "NFO", UnderlyingExchange: "NSE"},
	IndexBankNifty:  {StrikeStep: 100, LotSize: 15, Exchange: "NFO", UnderlyingExchange: "NSE"},
	IndexFinNifty:   {StrikeStep: 50, LotSize: 40, Exchange: "NFO", UnderlyingExchange: "NSE"},
	IndexMidcpNifty: {StrikeStep: 25, LotSize: 75, Exchange: "NFO", UnderlyingExchange: "NSE"},
	IndexSensex:     {StrikeStep: 100, LotSize: 10, Exchange: "BFO", UnderlyingExchange: "BSE"},
	IndexBankex:     {StrikeStep: 100, LotSize: 15, Exchange: "BFO", UnderlyingExchange: "BSE"},
	IndexCrudeOil:   {StrikeStep: 50, LotSize: 100, Exchange: "MCX", UnderlyingExchange: "MCX"},
}

// ParseIndex normalizes and validates an index name.
func ParseIndex(s string) (Index, error) {
	idx := Index(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := indexSpecs[idx]; !ok {
		return "", fmt.Errorf("unsupported index %q", s)
	}
	return idx, nil
}

// Spec returns the exchange conventions for the index.
func (i Index) Spec() (IndexSpec, error) {
	spec, ok := indexSpecs[i]
	if !ok {
		return IndexSpec{}, fmt.Errorf("unsupported index %q", string(i))
	}
	return spec, nil
}

// Valid reports whether the index is in the catalogue.
func (i Index) Valid() bool {
	_, ok := indexSpecs[i]
	return ok
}

// ValidateQuantity checks qty is a positive multiple of the lot size.
func (i Index) ValidateQuantity(qty int) error {
	spec, err := i.Spec()
	if err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", qty)
	}
	if qty%spec.LotSize != 0 {
		return fmt.Errorf("quantity %d for %s must be a multiple of lot size %d", qty, i, spec.LotSize)
	}
	return nil
}

// Indices lists the supported indices in a stable order.
func Indices() []Index {
	return []Index{
		IndexNifty, IndexBankNifty, IndexFinNifty, IndexMidcpNifty,
		IndexSensex, IndexBankex, IndexCrudeOil,
	}
}
