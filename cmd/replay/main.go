package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/alert-bridge/internal/dispatch"
	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/idempotency"
	"github.com/Rajchodisetti/alert-bridge/internal/instrument"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/ledger"
	"github.com/Rajchodisetti/alert-bridge/internal/paper"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
)

// line is one replayed alert as printed to stdout.
type line struct {
	N       int    `json:"n"`
	Outcome string `json:"outcome"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func main() {
	log.SetFlags(0)
	var (
		alertsPath  string
		mastersPath string
		policyName  string
		kind        string
		charge      float64
		buySlip     float64
		sellSlip    float64
		defaultLots int64
	)
	flag.StringVar(&alertsPath, "alerts", "fixtures/alerts.jsonl", "JSONL file of webhook alert bodies")
	flag.StringVar(&mastersPath, "instruments", "fixtures/scrip-master.csv", "instrument master CSV")
	flag.StringVar(&policyName, "expiry-policy", "nearest", "nearest | monthly")
	flag.StringVar(&kind, "kind", string(intake.KindOptions), "options | futures")
	flag.Float64Var(&charge, "charge", 600, "flat round-trip charge")
	flag.Float64Var(&buySlip, "buy-slippage", 5, "buy slippage in price points")
	flag.Float64Var(&sellSlip, "sell-slippage", 7, "sell slippage in price points")
	flag.Int64Var(&defaultLots, "default-lots", 1, "lots for alerts that carry no quantity")
	flag.Parse()

	policy, err := instrument.PolicyByName(policyName)
	if err != nil {
		log.Fatal(err)
	}
	master := instrument.NewMaster(instrument.WithPolicy(policy))
	if err := master.LoadFile(mastersPath); err != nil {
		log.Fatalf("load instruments: %v", err)
	}

	settings := paper.NewSettingsStore("", paper.Settings{
		Enabled:      true,
		Charge:       decimal.NewFromFloat(charge),
		BuySlippage:  decimal.NewFromFloat(buySlip),
		SellSlippage: decimal.NewFromFloat(sellSlip),
	})
	book := ledger.New(&ledger.MemoryLog{}, domain.Paper, settings.Charge)
	store := idempotency.NewMemoryStore()
	pacer := dispatch.NewPacer(0)
	defer pacer.Close()
	d := dispatch.New(dispatch.Config{}, settings, paper.NewSimulator(settings, nil), book, ledger.New(&ledger.MemoryLog{}, domain.Live, settings.Charge), pacer, store)
	in := intake.New(intake.Config{DefaultLots: defaultLots}, store, master)
	events := feed.New(1000, 0)
	p := pipeline.New(in, d, events, master)

	f, err := os.Open(alertsPath)
	if err != nil {
		log.Fatalf("open alerts: %v", err)
	}
	defer f.Close()

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	counts := map[string]int{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	n := 0
	for sc.Scan() {
		body := strings.TrimSpace(sc.Text())
		if body == "" || strings.HasPrefix(body, "#") {
			continue
		}
		n++
		// alerts resolve against the expiries listed at signal time
		received := time.Now()
		if a, err := intake.ParseAlert([]byte(body)); err == nil {
			received = a.SignalTime(received)
		}
		resp := p.Process(ctx, pipeline.Request{Body: []byte(body), Kind: intake.Kind(kind), ReceivedAt: received})
		out := line{N: n, Outcome: string(resp.Outcome.Status), Kind: string(resp.Outcome.Kind), Reason: resp.Outcome.Reason}
		if r := resp.Result; r != nil {
			out.OrderID, out.Message = r.OrderID, r.Message
			if !r.OK() {
				out.Kind = r.Kind
			}
		}
		counts[out.Outcome]++
		_ = enc.Encode(out)
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("read alerts: %v", err)
	}

	snap := book.Snapshot()
	agg := snap.Aggregates
	fmt.Printf("{\"alerts\":%d,\"outcomes\":%s,\"trades\":%d,\"round_trips\":%d,\"open_positions\":%d,\"realized_net\":\"%s\",\"charges\":\"%s\",\"wins\":%d,\"losses\":%d}\n",
		n, mustJSON(counts), agg.Trades, agg.RoundTrips, agg.OpenPositions, agg.RealizedNet.StringFixed(2), agg.Charges.StringFixed(2), agg.Wins, agg.Losses)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("json: %v", err)
	}
	return string(b)
}
