package memory

import (
	"testing"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.Store { return New() })
}
