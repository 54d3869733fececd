package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

// Service resolves packages and prices order lines.
//
// Contract:
// - Packages are read-only reference data, always read inside the caller's transaction
// - Pure calculation apart from the package lookup
type Service struct{}

func NewService() *Service { return &Service{} }

var (
	ErrPackageUnavailable = errors.New("catalog: package unavailable")
	ErrInvalidQuantity    = errors.New("catalog: invalid quantity")
	ErrAmountOverflow     = errors.New("catalog: amount overflow")
)

// Quote is one priced order line.
type Quote struct {
	Package        model.Package
	Quantity       int
	UnitPriceMinor int64
	TotalMinor     int64
}

// Resolve loads a package that may be sold right now.
// Missing and inactive packages are both reported as ErrPackageUnavailable.
func (s *Service) Resolve(ctx context.Context, tx store.Tx, packageID string) (model.Package, error) {
	pkg, err := tx.GetPackage(ctx, packageID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Package{}, fmt.Errorf("%w: %s not found", ErrPackageUnavailable, packageID)
	}
	if err != nil {
		return model.Package{}, err
	}
	if !pkg.Active {
		return model.Package{}, fmt.Errorf("%w: %s inactive", ErrPackageUnavailable, packageID)
	}
	return pkg, nil
}

// Quote resolves the package and prices quantity units of it.
func (s *Service) Quote(ctx context.Context, tx store.Tx, packageID string, quantity int) (Quote, error) {
	pkg, err := s.Resolve(ctx, tx, packageID)
	if err != nil {
		return Quote{}, err
	}
	return QuoteFor(pkg, quantity)
}

// QuoteFor prices quantity units of an already resolved package.
func QuoteFor(pkg model.Package, quantity int) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, ErrInvalidQuantity
	}
	unit := UnitPrice(pkg, quantity)
	total, err := MulMinor(unit, int64(quantity))
	if err != nil {
		return Quote{}, err
	}
	return Quote{Package: pkg, Quantity: quantity, UnitPriceMinor: unit, TotalMinor: total}, nil
}

// UnitPrice picks the tier with the largest MinQuantity not above quantity.
// Without a qualifying tier the package base price applies. Tier order is irrelevant.
func UnitPrice(pkg model.Package, quantity int) int64 {
	price := pkg.PriceMinor
	best := 0
	for _, t := range pkg.PriceTiers {
		if t.MinQuantity <= quantity && t.MinQuantity > best {
			best = t.MinQuantity
			price = t.PriceMinor
		}
	}
	return price
}

// MulMinor multiplies non-negative minor amounts, rejecting int64 overflow.
func MulMinor(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrAmountOverflow
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, ErrAmountOverflow
	}
	return a * b, nil
}

// AddMinor adds non-negative minor amounts, rejecting int64 overflow.
func AddMinor(a, b int64) (int64, error) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}
