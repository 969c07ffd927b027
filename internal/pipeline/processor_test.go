// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartahc/receiptflow/internal/classify"
	"github.com/smartahc/receiptflow/internal/models"
	"github.com/smartahc/receiptflow/internal/station"
	"github.com/smartahc/receiptflow/internal/telemetry"
)

const testRestaurantID = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"

// fakeStore records inserts and can fail on demand.
type fakeStore struct {
	orders   []models.Order
	dishes   []models.Dish
	orderErr error
	dishErr  error
}

func (f *fakeStore) InsertOrder(_ context.Context, order *models.Order) (string, error) {
	if f.orderErr != nil {
		return "", f.orderErr
	}
	f.orders = append(f.orders, *order)
	return "ord-test", nil
}

func (f *fakeStore) InsertDishes(_ context.Context, dishes []models.Dish) error {
	if f.dishErr != nil {
		return f.dishErr
	}
	f.dishes = append(f.dishes, dishes...)
	return nil
}

func newTestProcessor(st *fakeStore) *Processor {
	buf := telemetry.NewBuffer(telemetry.NopClient{}, "test", 100, time.Hour)
	return New(st, buf, testRestaurantID)
}

func TestProcessCustomerOrder(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{
		ReceiptNo: "C001",
		PlainText: "桌号: 8\n客单\n野菜卷181份18\n木姜子牛肉522份104\n合计: 122\n单号: C001",
		Timestamp: "2026-08-30T12:00:00Z",
	}
	res := p.Process(context.Background(), &evt)

	if res.Category != classify.CustomerOrder {
		t.Fatalf("Category = %v, want CustomerOrder", res.Category)
	}
	if !res.OrderCreated || res.Err != nil {
		t.Fatalf("Result = %+v, want created order with nil error", res)
	}
	if res.TableNo != "8" {
		t.Errorf("TableNo = %q, want 8", res.TableNo)
	}

	if len(st.orders) != 1 {
		t.Fatalf("orders inserted = %d, want 1", len(st.orders))
	}
	order := st.orders[0]
	if order.RestaurantID != testRestaurantID || order.ReceiptNo != "C001" ||
		order.OrderType != "dine_in" || order.Status != "pending" {
		t.Errorf("order = %+v", order)
	}
	if order.RawData.Text != evt.PlainText {
		t.Error("order raw data does not carry the receipt body")
	}

	if len(st.dishes) != 2 {
		t.Fatalf("dishes inserted = %d, want 2", len(st.dishes))
	}
	for _, d := range st.dishes {
		if d.OrderID != "ord-test" {
			t.Errorf("dish %q not linked to order: OrderID = %q", d.Name, d.OrderID)
		}
		if d.StationID != "" {
			t.Errorf("customer dish %q carries a station: %q", d.Name, d.StationID)
		}
	}
	if st.dishes[0].Name != "野菜卷" || st.dishes[0].Quantity != 1 {
		t.Errorf("dish[0] = %+v", st.dishes[0])
	}
	if st.dishes[1].Name != "木姜子牛肉" || st.dishes[1].Quantity != 2 {
		t.Errorf("dish[1] = %+v", st.dishes[1])
	}
}

func TestProcessKitchenSlip(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{
		ReceiptNo: "K001",
		PlainText: "制作分单\n档口: 荤菜\n桌号: 5\n菜品数量\n木姜子牛肉2/份\n单号: K001",
	}
	res := p.Process(context.Background(), &evt)

	if res.Category != classify.KitchenSlip {
		t.Fatalf("Category = %v, want KitchenSlip", res.Category)
	}
	if res.OrderCreated {
		t.Error("kitchen slip created an order")
	}
	if res.DishCount != 1 || len(st.dishes) != 1 {
		t.Fatalf("DishCount = %d, inserted = %d, want 1", res.DishCount, len(st.dishes))
	}

	dish := st.dishes[0]
	if dish.Name != "木姜子牛肉" || dish.Quantity != 2 {
		t.Errorf("dish = %+v", dish)
	}
	if dish.StationID != station.MeatID {
		t.Errorf("StationID = %q, want meat station", dish.StationID)
	}
	if dish.OrderID != "" {
		t.Errorf("kitchen dish linked to an order: %q", dish.OrderID)
	}
	if dish.TableNo != "5" {
		t.Errorf("TableNo = %q, want 5", dish.TableNo)
	}
}

func TestProcessKitchenSlipUnknownStationDropsDishes(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{
		ReceiptNo: "K002",
		PlainText: "制作分单\n档口: 烧烤\n菜品数量\n烤羊排2/份\n单号: K002",
	}
	res := p.Process(context.Background(), &evt)

	if res.Category != classify.KitchenSlip || res.Err != nil {
		t.Fatalf("Result = %+v, want KitchenSlip with nil error", res)
	}
	if len(st.dishes) != 0 {
		t.Errorf("dishes inserted = %d, want 0 (unknown station)", len(st.dishes))
	}
}

func TestProcessPreCheckoutCreatesNothing(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{PlainText: "预结单\n桌号: 8\n合计: 128"}
	res := p.Process(context.Background(), &evt)

	if res.Category != classify.PreCheckout {
		t.Fatalf("Category = %v, want PreCheckout", res.Category)
	}
	if len(st.orders) != 0 || len(st.dishes) != 0 {
		t.Errorf("pre-checkout persisted records: orders=%d dishes=%d", len(st.orders), len(st.dishes))
	}
}

func TestProcessHeartbeatIsDropped(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)

	res := p.Process(context.Background(), &models.ReceiptEvent{Type: "connected"})
	if res.Category != classify.Heartbeat {
		t.Fatalf("Category = %v, want Heartbeat", res.Category)
	}
	if len(st.orders) != 0 || len(st.dishes) != 0 {
		t.Error("heartbeat persisted records")
	}
}

func TestProcessOrderInsertFailure(t *testing.T) {
	st := &fakeStore{orderErr: errors.New("store down")}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{
		ReceiptNo: "C002",
		PlainText: "客单\n野菜卷181份18\n合计: 18",
	}
	res := p.Process(context.Background(), &evt)

	if res.Err == nil {
		t.Fatal("Err = nil, want order insert failure")
	}
	if res.OrderCreated {
		t.Error("OrderCreated = true after failed insert")
	}
	if len(st.dishes) != 0 {
		t.Error("dishes inserted despite order failure")
	}
}

func TestProcessDishInsertFailureKeepsOrder(t *testing.T) {
	st := &fakeStore{dishErr: errors.New("store down")}
	p := newTestProcessor(st)

	evt := models.ReceiptEvent{
		ReceiptNo: "C003",
		PlainText: "客单\n野菜卷181份18\n合计: 18",
	}
	res := p.Process(context.Background(), &evt)

	if !res.OrderCreated {
		t.Fatal("OrderCreated = false, want order kept despite dish failure")
	}
	if res.Err == nil {
		t.Error("Err = nil, want dish insert failure reported")
	}
	if len(st.orders) != 1 {
		t.Errorf("orders = %d, want 1", len(st.orders))
	}
}

func TestProcessMalformedAndUnknown(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(st)
	ctx := context.Background()

	malformed := models.ReceiptEvent{PlainText: "some text without markers"}
	if res := p.Process(ctx, &malformed); res.Category != classify.Malformed {
		t.Errorf("Category = %v, want Malformed", res.Category)
	}

	unknown := models.ReceiptEvent{ReceiptNo: "X1", PlainText: "unrecognized body"}
	if res := p.Process(ctx, &unknown); res.Category != classify.Unknown {
		t.Errorf("Category = %v, want Unknown", res.Category)
	}

	if len(st.orders) != 0 || len(st.dishes) != 0 {
		t.Error("malformed/unknown events persisted records")
	}
}
