package okx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb-engine/internal/exchange"
)

func newTestClient(creds Credentials) (*Protocol, *exchange.WSClient) {
	proto := &Protocol{creds: creds}
	return proto, exchange.NewWSClient(proto, exchange.ClientConfig{})
}

func TestSubscribeFrames(t *testing.T) {
	proto, _ := newTestClient(Credentials{})

	frames, err := proto.SubscribeFrames([]string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var op struct {
		Op   string `json:"op"`
		Args []struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &op))
	assert.Equal(t, "subscribe", op.Op)
	require.Len(t, op.Args, 2, "funding-rate and mark-price per instrument")
	assert.Equal(t, "funding-rate", op.Args[0].Channel)
	assert.Equal(t, "BTC-USDT-SWAP", op.Args[0].InstID)
	assert.Equal(t, "mark-price", op.Args[1].Channel)
}

func TestHandleFundingRate(t *testing.T) {
	proto, client := newTestClient(Credentials{})

	var got *exchange.FundingRateReceived
	client.SetFundingRateHandler(func(ev *exchange.FundingRateReceived) { got = ev })

	raw := []byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001","nextFundingRate":"0.00012","fundingTime":"1700028800000","ts":"1700000000000"}]}`)
	proto.HandleMessage(raw, client.Emitter())

	require.NotNil(t, got)
	assert.Equal(t, exchange.OKX, got.Exchange)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, "0.0001", got.FundingRate.String())
	require.NotNil(t, got.NextFundingRate)
	assert.Equal(t, "0.00012", got.NextFundingRate.String())
	assert.Equal(t, int64(1700028800000), got.NextFundingTime.UnixMilli())
}

func TestHandleMarkPriceJoinsLaterFunding(t *testing.T) {
	proto, client := newTestClient(Credentials{})

	var got *exchange.FundingRateReceived
	client.SetFundingRateHandler(func(ev *exchange.FundingRateReceived) { got = ev })

	proto.HandleMessage([]byte(`{"arg":{"channel":"mark-price","instId":"ETH-USDT-SWAP"},"data":[{"instId":"ETH-USDT-SWAP","markPx":"2500.5","ts":"1700000000000"}]}`), client.Emitter())
	require.Nil(t, got, "mark price alone emits no funding event")

	proto.HandleMessage([]byte(`{"arg":{"channel":"funding-rate","instId":"ETH-USDT-SWAP"},"data":[{"instId":"ETH-USDT-SWAP","fundingRate":"0.0002","fundingTime":"1700028800000","ts":"1700000000001"}]}`), client.Emitter())
	require.NotNil(t, got)
	require.NotNil(t, got.MarkPrice, "cached mark price is joined onto the funding event")
	assert.Equal(t, "2500.5", got.MarkPrice.String())
}

func TestSymbolNotFoundIsDebugDrop(t *testing.T) {
	proto, client := newTestClient(Credentials{})

	var errs []error
	client.SetErrorHandler(func(err error) { errs = append(errs, err) })

	proto.HandleMessage([]byte(`{"event":"error","code":"60018","msg":"Instrument ID does not exist"}`), client.Emitter())
	assert.Empty(t, errs, "60018 is dropped silently")

	proto.HandleMessage([]byte(`{"event":"error","code":"60012","msg":"Illegal request"}`), client.Emitter())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "60012")
}

func TestLoginAckMarksAuthenticated(t *testing.T) {
	proto, client := newTestClient(Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"})
	em := client.Emitter()

	require.False(t, em.Authenticated())
	proto.HandleMessage([]byte(`{"event":"login","code":"0"}`), em)
	assert.True(t, em.Authenticated())
}

func TestPongFrameIgnored(t *testing.T) {
	proto, client := newTestClient(Credentials{})
	var errs int
	client.SetErrorHandler(func(error) { errs++ })

	proto.HandleMessage([]byte("pong"), client.Emitter())
	assert.Zero(t, errs)
}
