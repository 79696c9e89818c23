package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderCreatedPayload_TotalAmountIsNumber(t *testing.T) {
	payload := OrderCreatedPayload{
		OrderId:     uuid.New(),
		UserId:      uuid.New(),
		TotalAmount: NewAmount(decimal.RequireFromString("129.8")),
		Status:      "Confirmed",
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"TotalAmount":129.80`)

	var decoded OrderCreatedPayload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.TotalAmount.Equal(decimal.RequireFromString("129.80")))
}

func TestAmount_Encoding(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "whole", in: "25", want: "25.00"},
		{name: "zero", in: "0", want: "0.00"},
		{name: "rounds half up", in: "0.125", want: "0.13"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(NewAmount(decimal.RequireFromString(tt.in)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestAmount_DecodesQuotedString(t *testing.T) {
	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"10.50"`), &a))
	assert.True(t, a.Equal(decimal.RequireFromString("10.5")))
}
