// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package pipeline drives one receipt event through classification,
// dish extraction, station resolution and persistence.
//
// Processing is strictly sequential per connection and every error is
// contained at the record boundary: one bad receipt never aborts the
// stream or affects sibling records.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartahc/receiptflow/internal/classify"
	"github.com/smartahc/receiptflow/internal/extract"
	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/metrics"
	"github.com/smartahc/receiptflow/internal/models"
	"github.com/smartahc/receiptflow/internal/station"
	"github.com/smartahc/receiptflow/internal/store"
	"github.com/smartahc/receiptflow/internal/telemetry"
)

// Fixed values for persisted rows.
const (
	orderTypeDineIn  = "dine_in"
	statusPending    = "pending"
	defaultPrepTime  = 10
	defaultUrgency   = "normal"
	recordSourceName = "receiptflow"
)

// Result summarizes what one event produced. The stream manager folds
// results into the durable counters.
type Result struct {
	Category     classify.Category
	TableNo      string
	OrderCreated bool
	DishCount    int
	// Err is the persistence error, if any. Classification misses and
	// dropped dishes are not errors; they are logged and counted.
	Err error
}

// Processor turns receipt events into persisted orders and dishes.
type Processor struct {
	store        store.Client
	buf          *telemetry.Buffer
	restaurantID string
	log          zerolog.Logger
}

// New creates a Processor. buf may not be nil; pass a buffer with a
// NopClient when telemetry is disabled.
func New(st store.Client, buf *telemetry.Buffer, restaurantID string) *Processor {
	return &Processor{
		store:        st,
		buf:          buf,
		restaurantID: restaurantID,
		log:          logging.With().Str("component", "pipeline").Logger(),
	}
}

// Process handles one decoded receipt event. It never panics and never
// returns; the Result carries everything the caller needs.
//
// A telemetry flush is attempted after the event completes, whatever
// the outcome.
func (p *Processor) Process(ctx context.Context, evt *models.ReceiptEvent) Result {
	res := p.process(ctx, evt)
	if res.Category != classify.Heartbeat {
		p.buf.MaybeFlush(ctx)
	}
	return res
}

func (p *Processor) process(ctx context.Context, evt *models.ReceiptEvent) Result {
	category := classify.Classify(evt)
	metrics.EventsClassifiedTotal.WithLabelValues(category.String()).Inc()

	if category == classify.Heartbeat {
		p.log.Debug().Uint64("seq", evt.Seq).Msg("Handshake sentinel dropped")
		return Result{Category: category}
	}

	tableNo := classify.TableNumber(evt)
	res := Result{Category: category, TableNo: tableNo}

	p.buf.Add("order.received", telemetry.Record{
		"receipt_no": evt.ReceiptNo,
		"table_no":   tableNo,
	})

	switch category {
	case classify.PreCheckout:
		p.log.Info().Str("table_no", tableNo).Msg("Pre-checkout bill skipped")

	case classify.Malformed:
		p.log.Warn().Uint64("seq", evt.Seq).Msg("Receipt missing required fields, skipped")

	case classify.Checkout:
		p.log.Info().Str("receipt_no", evt.ReceiptNo).Str("table_no", tableNo).Msg("Checkout bill logged")
		p.buf.Add("order.checkout", telemetry.Record{
			"receipt_no": evt.ReceiptNo,
			"table_no":   tableNo,
		})

	case classify.KitchenSlip:
		res = p.processKitchenSlip(ctx, evt, tableNo)

	case classify.CustomerOrder:
		res = p.processCustomerOrder(ctx, evt, tableNo)

	default:
		p.log.Warn().Str("receipt_no", evt.ReceiptNo).Msg("Unrecognized receipt category, skipped")
	}

	if res.Err != nil {
		p.buf.Add("order.error", telemetry.Record{
			"receipt_no": evt.ReceiptNo,
			"error":      res.Err.Error(),
		})
	}
	return res
}

// processKitchenSlip persists the slip's dishes under its station.
// An unrecognized station drops the whole slip: persisting a kitchen
// dish without a station would strand it outside every prep queue.
func (p *Processor) processKitchenSlip(ctx context.Context, evt *models.ReceiptEvent, tableNo string) Result {
	res := Result{Category: classify.KitchenSlip, TableNo: tableNo}

	name := classify.StationName(evt.PlainText)
	stationID, ok := station.Lookup(name)
	if !ok {
		p.log.Warn().
			Str("receipt_no", evt.ReceiptNo).
			Str("station", name).
			Msg("Unknown station on kitchen slip, dishes dropped")
		metrics.DishesDroppedTotal.WithLabelValues("unknown_station").Inc()
		p.buf.Add("kitchen_slip.station_miss", telemetry.Record{
			"receipt_no": evt.ReceiptNo,
			"station":    name,
		})
		return res
	}

	extracted := extract.KitchenDishes(evt.PlainText)
	if len(extracted) == 0 {
		p.log.Warn().Str("receipt_no", evt.ReceiptNo).Msg("No dishes found in kitchen slip")
		return res
	}
	metrics.DishesExtractedTotal.WithLabelValues(classify.KitchenSlip.String()).Add(float64(len(extracted)))

	dishes := make([]models.Dish, 0, len(extracted))
	for _, d := range extracted {
		dishes = append(dishes, models.Dish{
			RestaurantID:    p.restaurantID,
			ReceiptNo:       evt.ReceiptNo,
			Name:            d.Name,
			Quantity:        d.Quantity,
			StationID:       stationID,
			TableNo:         tableNo,
			Status:          statusPending,
			PrepTimeMinutes: defaultPrepTime,
			UrgencyLevel:    defaultUrgency,
		})
	}

	if err := p.store.InsertDishes(ctx, dishes); err != nil {
		p.log.Error().Err(err).Str("receipt_no", evt.ReceiptNo).Msg("Kitchen slip dish insert failed")
		res.Err = err
		return res
	}

	res.DishCount = len(dishes)
	p.log.Info().
		Str("receipt_no", evt.ReceiptNo).
		Str("station", name).
		Int("dishes", len(dishes)).
		Msg("Kitchen slip processed")
	p.buf.Add("kitchen_slip.processed", telemetry.Record{
		"receipt_no": evt.ReceiptNo,
		"station":    name,
		"station_id": stationID,
		"dish_count": len(dishes),
		"table_no":   tableNo,
	})
	return res
}

// processCustomerOrder creates the order row, then its dish rows.
func (p *Processor) processCustomerOrder(ctx context.Context, evt *models.ReceiptEvent, tableNo string) Result {
	res := Result{Category: classify.CustomerOrder, TableNo: tableNo}

	orderedAt := evt.Timestamp
	if orderedAt == "" {
		orderedAt = time.Now().UTC().Format(time.RFC3339)
	}

	order := &models.Order{
		RestaurantID: p.restaurantID,
		ReceiptNo:    evt.ReceiptNo,
		TableNo:      tableNo,
		OrderType:    orderTypeDineIn,
		Status:       statusPending,
		RawData:      models.RawReceipt{Text: evt.PlainText},
		OrderedAt:    orderedAt,
		Source:       recordSourceName,
	}

	orderID, err := p.store.InsertOrder(ctx, order)
	if err != nil {
		p.log.Error().Err(err).Str("receipt_no", evt.ReceiptNo).Msg("Order insert failed")
		res.Err = err
		return res
	}
	res.OrderCreated = true

	extracted := extract.CustomerDishes(evt.PlainText)
	metrics.DishesExtractedTotal.WithLabelValues(classify.CustomerOrder.String()).Add(float64(len(extracted)))

	if len(extracted) > 0 {
		dishes := make([]models.Dish, 0, len(extracted))
		for _, d := range extracted {
			dishes = append(dishes, models.Dish{
				OrderID:         orderID,
				RestaurantID:    p.restaurantID,
				ReceiptNo:       evt.ReceiptNo,
				Name:            d.Name,
				Quantity:        d.Quantity,
				TableNo:         tableNo,
				Status:          statusPending,
				PrepTimeMinutes: defaultPrepTime,
				UrgencyLevel:    defaultUrgency,
			})
		}
		if err := p.store.InsertDishes(ctx, dishes); err != nil {
			// The order row exists; losing its dishes is reported but
			// does not undo the order. No retry here: replay policy
			// lives with the event owner.
			p.log.Error().Err(err).Str("order_id", orderID).Msg("Customer dish insert failed")
			res.Err = err
			return res
		}
		res.DishCount = len(dishes)
	}

	p.log.Info().
		Str("order_id", orderID).
		Str("receipt_no", evt.ReceiptNo).
		Str("table_no", tableNo).
		Int("dishes", res.DishCount).
		Msg("Customer order processed")
	p.buf.Add("order.processed", telemetry.Record{
		"order_id":   orderID,
		"receipt_no": evt.ReceiptNo,
		"table_no":   tableNo,
		"dish_count": res.DishCount,
	})
	return res
}
