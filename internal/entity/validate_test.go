package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illusorium/rupay/pkg/errorbank"
)

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("59,90")
	require.NoError(t, err)
	assert.Equal(t, "59.90", d.StringFixed(2))

	d, err = ParseAmount(" 12.5 ")
	require.NoError(t, err)
	assert.Equal(t, "12.50", d.StringFixed(2))

	_, err = ParseAmount("twelve")
	assert.True(t, errorbank.IsKind(err, errorbank.KindValidation))
}

func TestValidateOrder(t *testing.T) {
	assert.Error(t, ValidateOrder(nil))

	err := ValidateOrder(&Order{OrderNumber: "   "})
	assert.True(t, errorbank.IsKind(err, errorbank.KindValidation))

	err = ValidateOrder(&Order{OrderNumber: "A-1", Email: "not-an-email"})
	assert.True(t, errorbank.IsKind(err, errorbank.KindValidation))

	err = ValidateOrder(&Order{OrderNumber: "A-1", TransactionID: "bad id!"})
	assert.True(t, errorbank.IsKind(err, errorbank.KindValidation))

	assert.NoError(t, ValidateOrder(&Order{
		OrderNumber:   "A-1",
		TransactionID: "A-1-250901120000-42",
		Email:         "buyer@example.com",
	}))
}
