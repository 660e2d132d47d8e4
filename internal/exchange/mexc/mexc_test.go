package mexc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb-engine/internal/exchange"
)

func newTestClient() (*Protocol, *exchange.WSClient) {
	proto := &Protocol{}
	return proto, exchange.NewWSClient(proto, exchange.ClientConfig{})
}

func TestSubscribeFrames(t *testing.T) {
	proto, _ := newTestClient()

	frames, err := proto.SubscribeFrames([]string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, frames, 2, "funding rate and ticker per symbol")

	var req struct {
		Method string         `json:"method"`
		Param  map[string]any `json:"param"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &req))
	assert.Equal(t, "sub.funding.rate", req.Method)
	assert.Equal(t, "BTC_USDT", req.Param["symbol"])

	require.NoError(t, json.Unmarshal(frames[1], &req))
	assert.Equal(t, "sub.ticker", req.Method)
}

func TestHandleFundingRatePush(t *testing.T) {
	proto, client := newTestClient()

	var got *exchange.FundingRateReceived
	client.SetFundingRateHandler(func(ev *exchange.FundingRateReceived) { got = ev })

	raw := []byte(`{"channel":"push.funding.rate","symbol":"BTC_USDT","ts":1700000000000,"data":{"fundingRate":0.0001,"nextSettleTime":1700028800000,"collectCycle":4}}`)
	proto.HandleMessage(raw, client.Emitter())

	require.NotNil(t, got)
	assert.Equal(t, exchange.MEXC, got.Exchange)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, "0.0001", got.FundingRate.String())
	assert.Equal(t, 4, got.FundingIntervalHours, "collectCycle carries the native interval")
	assert.Equal(t, int64(1700028800000), got.NextFundingTime.UnixMilli())
}

func TestHandleTickerCachesFairPrice(t *testing.T) {
	proto, client := newTestClient()

	var got *exchange.FundingRateReceived
	client.SetFundingRateHandler(func(ev *exchange.FundingRateReceived) { got = ev })

	proto.HandleMessage([]byte(`{"channel":"push.ticker","symbol":"ETH_USDT","data":{"fairPrice":2500.5,"indexPrice":2499.9}}`), client.Emitter())
	require.Nil(t, got)

	proto.HandleMessage([]byte(`{"channel":"push.funding.rate","symbol":"ETH_USDT","data":{"fundingRate":0.0002,"nextSettleTime":1700028800000,"collectCycle":8}}`), client.Emitter())
	require.NotNil(t, got)
	require.NotNil(t, got.MarkPrice, "fair price joined from the ticker stream")
	assert.Equal(t, "2500.5", got.MarkPrice.String())
}

func TestPongAndAcksIgnored(t *testing.T) {
	proto, client := newTestClient()

	var events, errs int
	client.SetFundingRateHandler(func(*exchange.FundingRateReceived) { events++ })
	client.SetErrorHandler(func(error) { errs++ })

	proto.HandleMessage([]byte(`{"channel":"pong"}`), client.Emitter())
	proto.HandleMessage([]byte(`{"channel":"rs.sub.funding.rate","data":"success"}`), client.Emitter())
	assert.Zero(t, events)
	assert.Zero(t, errs)
}
