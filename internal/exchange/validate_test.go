package exchange

import (
	"errors"
	"testing"

	"perp-orchestrator/pkg/types"
)

func validStopPayload() types.StopOrderPayload {
	return types.StopOrderPayload{
		ClientOid:     types.StopClientOID("XBTUSDTM", "pos-1", types.StopKindSL, 3),
		Side:          "sell",
		Symbol:        "XBTUSDTM",
		Type:          "market",
		Stop:          "down",
		StopPrice:     "49984.9",
		StopPriceType: "MP",
		Size:          "0.019",
		ReduceOnly:    true,
	}
}

func TestValidateStopOrderAccepts(t *testing.T) {
	t.Parallel()
	if err := ValidateStopOrder(validStopPayload(), types.Long); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestValidateStopOrderRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*types.StopOrderPayload)
		field  string
	}{
		{"malformed oid", func(p *types.StopOrderPayload) { p.ClientOid = "stop:broken" }, "clientOid"},
		{"oid symbol mismatch", func(p *types.StopOrderPayload) {
			p.ClientOid = types.StopClientOID("ETHUSDTM", "pos-1", types.StopKindSL, 3)
		}, "clientOid"},
		{"same side as position", func(p *types.StopOrderPayload) { p.Side = "buy" }, "side"},
		{"limit type", func(p *types.StopOrderPayload) { p.Type = "limit" }, "type"},
		{"wrong stop direction", func(p *types.StopOrderPayload) { p.Stop = "up" }, "stop"},
		{"zero stop price", func(p *types.StopOrderPayload) { p.StopPrice = "0" }, "stopPrice"},
		{"non-numeric stop price", func(p *types.StopOrderPayload) { p.StopPrice = "abc" }, "stopPrice"},
		{"trade price trigger", func(p *types.StopOrderPayload) { p.StopPriceType = "TP" }, "stopPriceType"},
		{"zero size", func(p *types.StopOrderPayload) { p.Size = "0" }, "size"},
		{"not reduce only", func(p *types.StopOrderPayload) { p.ReduceOnly = false }, "reduceOnly"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := validStopPayload()
			tc.mutate(&p)
			err := ValidateStopOrder(p, types.Long)
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("Field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestValidateStopOrderShortSide(t *testing.T) {
	t.Parallel()
	p := validStopPayload()
	p.Side = "buy"
	p.Stop = "up"
	if err := ValidateStopOrder(p, types.Short); err != nil {
		t.Fatalf("short-protecting stop rejected: %v", err)
	}
}

func TestValidateExitOrder(t *testing.T) {
	t.Parallel()
	valid := types.ExitOrderPayload{
		ClientOid:  "emergency_XBTUSDTM_1700000000000",
		Side:       "sell",
		Symbol:     "XBTUSDTM",
		Type:       "market",
		Size:       "0.019",
		ReduceOnly: true,
	}
	if err := ValidateExitOrder(valid); err != nil {
		t.Fatalf("valid exit rejected: %v", err)
	}

	broken := valid
	broken.ReduceOnly = false
	if err := ValidateExitOrder(broken); err == nil {
		t.Error("non reduce-only exit accepted")
	}
	broken = valid
	broken.Size = "-1"
	if err := ValidateExitOrder(broken); err == nil {
		t.Error("negative size accepted")
	}
}

func TestSanitizeStopOrderWireShape(t *testing.T) {
	t.Parallel()
	m := SanitizeStopOrder(validStopPayload())

	want := []string{"clientOid", "side", "symbol", "type", "stop", "stopPrice", "stopPriceType", "size", "reduceOnly"}
	if len(m) != len(want) {
		t.Errorf("sanitized payload has %d keys, want %d", len(m), len(want))
	}
	for _, k := range want {
		if _, ok := m[k]; !ok {
			t.Errorf("missing wire key %q", k)
		}
	}
	if _, ok := m["stopPrice"].(string); !ok {
		t.Error("stopPrice not rendered as string")
	}
	if v, ok := m["reduceOnly"].(bool); !ok || !v {
		t.Error("reduceOnly not rendered as true")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	rateLimited := classify(429, "", "too many requests")
	if !IsTransient(rateLimited) || !IsRateLimited(rateLimited) {
		t.Errorf("429 classification = %+v", rateLimited)
	}

	serverErr := classify(502, "", "bad gateway")
	if !IsTransient(serverErr) || IsRateLimited(serverErr) {
		t.Errorf("502 classification = %+v", serverErr)
	}

	terminal := classify(400, "100004", "order not exist")
	if !IsOrderTerminal(terminal) {
		t.Errorf("terminal code classification = %+v", terminal)
	}

	rejected := classify(400, "300012", "invalid margin mode")
	if IsTransient(rejected) || IsOrderTerminal(rejected) {
		t.Errorf("permanent rejection classification = %+v", rejected)
	}

	network := transportError(errors.New("dial tcp: timeout"))
	if !IsTransient(network) || IsRateLimited(network) {
		t.Errorf("network error classification = %+v", network)
	}
}
