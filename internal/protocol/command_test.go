package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_PaymentWireShape(t *testing.T) {
	cmd := NewPaymentCommand("cmd-1", PaymentPayload{
		TransactionID: "tx-1",
		AmountCents:   4250,
		Currency:      "EUR",
		Terminal:      TerminalTarget{Host: "192.168.1.50", Port: 20007},
	})

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "cmd-1",
		"type": "zvt_payment",
		"payload": {
			"tx_id": "tx-1",
			"amount_cents": 4250,
			"currency": "EUR",
			"terminal": {"host": "192.168.1.50", "port": 20007}
		}
	}`, string(data))
}

func TestCommand_DecodeSelectsVariant(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, c Command)
	}{
		{
			name:  "ping without payload",
			input: `{"id":"c1","type":"ping"}`,
			check: func(t *testing.T, c Command) {
				assert.NotNil(t, c.Ping)
				assert.Nil(t, c.Payment)
				assert.Nil(t, c.Abort)
			},
		},
		{
			name:  "payment",
			input: `{"id":"c2","type":"zvt_payment","payload":{"tx_id":"t","amount_cents":100}}`,
			check: func(t *testing.T, c Command) {
				require.NotNil(t, c.Payment)
				assert.Equal(t, int64(100), c.Payment.AmountCents)
				assert.Empty(t, c.Payment.Terminal.Host)
			},
		},
		{
			name:  "abort",
			input: `{"id":"c3","type":"zvt_abort","payload":{"tx_id":"t","terminal":{"port":22000}}}`,
			check: func(t *testing.T, c Command) {
				require.NotNil(t, c.Abort)
				assert.Equal(t, 22000, c.Abort.Terminal.Port)
			},
		},
		{
			name:  "unknown type keeps raw payload",
			input: `{"id":"c4","type":"print_receipt","payload":{"copies":2}}`,
			check: func(t *testing.T, c Command) {
				assert.Equal(t, CommandType("print_receipt"), c.Type)
				assert.JSONEq(t, `{"copies":2}`, string(c.Raw))
				assert.Nil(t, c.Ping)
				assert.Nil(t, c.Payment)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Command
			require.NoError(t, json.Unmarshal([]byte(tt.input), &c))
			tt.check(t, c)
		})
	}
}

func TestCommand_DecodeErrors(t *testing.T) {
	var c Command
	assert.Error(t, json.Unmarshal([]byte(`{"type":"ping"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"id":"x","type":"zvt_payment","payload":`), &c))
}

func TestCommand_MalformedPayloadKeepsID(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"payment with string amount", `{"id":"c-7","type":"zvt_payment","payload":{"amount_cents":"ten"}}`},
		{"payment payload not an object", `{"id":"c-7","type":"zvt_payment","payload":[1,2]}`},
		{"abort with numeric tx", `{"id":"c-7","type":"zvt_abort","payload":{"tx_id":42}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Command
			require.NoError(t, json.Unmarshal([]byte(tt.input), &c))
			assert.Equal(t, "c-7", c.ID)
			assert.Nil(t, c.Payment)
			assert.Nil(t, c.Abort)
			assert.NotEmpty(t, c.Raw)

			// Relaying the command keeps the original payload.
			out, err := json.Marshal(c)
			require.NoError(t, err)
			assert.JSONEq(t, tt.input, string(out))
		})
	}
}

func TestCommand_MarshalRequiresPayload(t *testing.T) {
	_, err := json.Marshal(Command{ID: "c", Type: CommandPayment})
	assert.Error(t, err)
}

func TestUnsupportedCommand(t *testing.T) {
	assert.Equal(t, "unsupported_command:print_receipt", UnsupportedCommand("print_receipt"))
}

func TestIsFinalStatus(t *testing.T) {
	assert.False(t, IsFinalStatus(StatusPaymentPending))
	for _, s := range []string{StatusPaid, StatusFailed, StatusCancelled, StatusRefunded, StatusStorno} {
		assert.True(t, IsFinalStatus(s), s)
	}
	assert.False(t, IsFinalStatus("unknown"))
}
