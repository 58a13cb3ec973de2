package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/quoteflow/quoteflow"
	"github.com/quoteflow/quoteflow/pipeline"
)

// Stage names for the demo quote pipeline.
const (
	stageIntake         = "intake"
	stageExtraction     = "extraction"
	stageDuplicateCheck = "duplicate_check"
	stagePricing        = "pricing"
	stageQuote          = "quote"
)

// demoPipeline wires the scripted quote-request stages. Each stage is
// deterministic so the demo's audit trail is reproducible.
func demoPipeline() (*pipeline.Pipeline, error) {
	return pipeline.New(
		pipeline.NewFunc(stageIntake, runIntake),
		pipeline.NewFunc(stageExtraction, runExtraction),
		pipeline.NewFunc(stageDuplicateCheck, runDuplicateCheck),
		pipeline.NewFunc(stagePricing, runPricing),
		pipeline.NewFunc(stageQuote, runQuote),
	)
}

// runIntake validates the request and parks the execution when the
// customer is unidentified.
func runIntake(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	requestText, _ := ec.Input["request_text"].(string)
	if requestText == "" {
		return &quoteflow.StageResult{
			Next: quoteflow.Fail(fmt.Errorf("request has no text")),
		}, nil
	}

	customerID, _ := stringField(ec.State, ec.Input, "customer_id")
	if customerID == "" {
		return &quoteflow.StageResult{
			Next: quoteflow.AwaitHuman("customer could not be identified", "customer_id"),
		}, nil
	}

	return &quoteflow.StageResult{
		StateUpdate: map[string]any{
			"customer_id": customerID,
			"parsed_data": map[string]any{
				"request_text": requestText,
			},
		},
		Next: quoteflow.Continue(stageExtraction),
	}, nil
}

// runExtraction splits the request text into line items. Each line of
// the form "<qty> x <sku>" becomes one item.
func runExtraction(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	parsed, _ := ec.State["parsed_data"].(map[string]any)
	requestText, _ := parsed["request_text"].(string)

	var items []any
	for _, line := range strings.Split(requestText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		qty := 1
		sku := line
		if parts := strings.SplitN(line, " x ", 2); len(parts) == 2 {
			fmt.Sscanf(parts[0], "%d", &qty)
			sku = strings.TrimSpace(parts[1])
		}
		items = append(items, map[string]any{"sku": sku, "quantity": qty})
	}
	if len(items) == 0 {
		return &quoteflow.StageResult{
			Next: quoteflow.Fail(fmt.Errorf("no line items found in request")),
		}, nil
	}

	return &quoteflow.StageResult{
		StateUpdate: map[string]any{
			"line_items": map[string]any{"items": items},
			"parsed_data": map[string]any{
				"item_count": len(items),
			},
		},
		Events: []quoteflow.StageEvent{
			{
				EventType: quoteflow.EventToolInvoked,
				Data:      map[string]any{"tool": "line_item_parser"},
			},
			{
				EventType: quoteflow.EventToolCompleted,
				Data:      map[string]any{"tool": "line_item_parser", "items": len(items)},
			},
		},
		Next: quoteflow.Continue(stageDuplicateCheck),
	}, nil
}

// runDuplicateCheck is skipped when the request opts out, otherwise it
// records a scripted no-duplicate verdict.
func runDuplicateCheck(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	if skip, _ := ec.Input["skip_duplicate_check"].(bool); skip {
		return &quoteflow.StageResult{
			Next: quoteflow.Skip(stagePricing, "duplicate check disabled for request"),
		}, nil
	}
	if dup, _ := ec.Input["known_duplicate"].(string); dup != "" {
		return &quoteflow.StageResult{
			StateUpdate: map[string]any{
				"duplicate_check": map[string]any{"duplicate": true, "duplicate_of": dup},
			},
			Next: quoteflow.Fail(fmt.Errorf("request duplicates %s", dup)),
		}, nil
	}
	return &quoteflow.StageResult{
		StateUpdate: map[string]any{
			"duplicate_check": map[string]any{"duplicate": false, "checked": true},
		},
		Next: quoteflow.Continue(stagePricing),
	}, nil
}

// demo price list, keyed by SKU prefix
var unitPrices = map[string]float64{
	"widget": 19.99,
	"gadget": 44.50,
	"gizmo":  7.25,
}

func runPricing(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	lineItems, _ := ec.State["line_items"].(map[string]any)
	items, _ := lineItems["items"].([]any)

	var priced []any
	var total float64
	for _, raw := range items {
		item, _ := raw.(map[string]any)
		sku, _ := item["sku"].(string)
		qty := intField(item["quantity"])
		price := priceFor(sku)
		lineTotal := price * float64(qty)
		total += lineTotal
		priced = append(priced, map[string]any{
			"sku":        sku,
			"quantity":   qty,
			"unit_price": price,
			"total":      lineTotal,
		})
	}

	return &quoteflow.StageResult{
		StateUpdate: map[string]any{
			"line_items": map[string]any{"priced": priced},
			"quote":      map[string]any{"subtotal": total},
		},
		Next: quoteflow.Continue(stageQuote),
	}, nil
}

func runQuote(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	quote, _ := ec.State["quote"].(map[string]any)
	subtotal, _ := quote["subtotal"].(float64)
	tax := subtotal * 0.08

	return &quoteflow.StageResult{
		StateUpdate: map[string]any{
			"quote": map[string]any{
				"tax":      tax,
				"total":    subtotal + tax,
				"currency": "USD",
			},
		},
		Next: quoteflow.Complete(),
	}, nil
}

func priceFor(sku string) float64 {
	lower := strings.ToLower(sku)
	for prefix, price := range unitPrices {
		if strings.HasPrefix(lower, prefix) {
			return price
		}
	}
	return 10.00
}

// stringField reads a string from state first, then input. Human
// updates land in state, so they take precedence.
func stringField(state, input map[string]any, key string) (string, bool) {
	if v, ok := state[key].(string); ok && v != "" {
		return v, true
	}
	if v, ok := input[key].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func intField(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
