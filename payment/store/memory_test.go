package store

import (
	"testing"

	"github.com/freshfold/payrecon/payment"
	"github.com/freshfold/payrecon/payment/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) payment.Store { return NewMemory() })
}
