// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package extract parses dish line items out of receipt text bodies.
//
// Two receipt layouts exist: the customer order (客单), where each dish
// line packs name+price+quantity+unit+subtotal with no separators, and
// the kitchen slip (制作分单), where lines end in a "quantity/unit"
// suffix. Each layout is described by a format table so a future layout
// revision adds a table entry instead of another regex special case.
//
// Extraction is a pure function: text in, records out. All connection
// and persistence concerns live elsewhere.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/smartahc/receiptflow/internal/models"
)

// maxCustomerDishes bounds the output for one customer order. Receipts
// longer than this are almost certainly garbled input.
const maxCustomerDishes = 10

// maxKitchenDishes is a defensive bound for kitchen slips, which have
// no documented maximum.
const maxKitchenDishes = 50

// minNameRunes rejects single-character names left over from partial
// pattern matches.
const minNameRunes = 2

// customerFormat describes the customer-order (客单) receipt layout.
type customerFormat struct {
	// section brackets the dish lines between the column header
	// (菜品单价数量小计 or the bare 客单 title) and the totals footer.
	section *regexp.Regexp
	// strict matches "name + price + quantity digit + unit + subtotal",
	// e.g. 野菜卷181份18 = 野菜卷, ¥18, x1, ¥18.
	strict *regexp.Regexp
	// strictNarrow retries with the price capped at three digits when
	// the strict match leaves a digit glued to the name.
	strictNarrow *regexp.Regexp
	// loose strips a trailing qty/unit/subtotal or bare digit run and
	// takes the remainder as the name with quantity 1.
	loose *regexp.Regexp
}

// kitchenFormat describes the kitchen-slip (制作分单) receipt layout.
type kitchenFormat struct {
	// section brackets dish lines between 菜品数量 and the 单号 trailer.
	section *regexp.Regexp
	// quantity matches the "N/unit" suffix, e.g. 2/份.
	quantity *regexp.Regexp
	// suffix removes the quantity suffix and everything after it.
	suffix *regexp.Regexp
	// returned strips the (退) prefix marking a returned dish.
	returned *regexp.Regexp
}

var customer = customerFormat{
	section:      regexp.MustCompile(`(?:菜品[单价]*数量[小计]*|客单)\s*\n([\s\S]*?)(?:菜品价格合计|合计|\n\n|$)`),
	strict:       regexp.MustCompile(`^(.+?)(\d+)(\d)([份瓶听盒位杯碗个张])(\d+)$`),
	strictNarrow: regexp.MustCompile(`^(.*?)(\d{1,3})(\d)([份瓶听盒位杯碗个张])(\d+)$`),
	loose:        regexp.MustCompile(`^(.+?)(?:\d+[份瓶听盒位杯碗个张]\d+|\d+)$`),
}

var kitchen = kitchenFormat{
	section:  regexp.MustCompile(`菜品数量\n([\s\S]*?)(\n单号:|$)`),
	quantity: regexp.MustCompile(`(\d+)/[份瓶听盒个碗杯位]`),
	suffix:   regexp.MustCompile(`\d+/[份瓶听盒个碗杯位].*$`),
	returned: regexp.MustCompile(`^\(退\)`),
}

// CustomerDishes parses the dish lines of a customer-order body.
// Lines that match neither the strict nor the loose pattern are
// skipped; a bad line never aborts its siblings.
func CustomerDishes(body string) []models.ExtractedDish {
	if body == "" {
		return nil
	}
	m := customer.section.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	var dishes []models.ExtractedDish
	for _, line := range strings.Split(m[1], "\n") {
		if len(dishes) >= maxCustomerDishes {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			// Blank lines and "-" modifier lines are not dishes.
			continue
		}
		if dish, ok := parseCustomerLine(trimmed); ok {
			dishes = append(dishes, dish)
		}
	}
	return dishes
}

// parseCustomerLine applies the strict pattern, the narrowed retry and
// finally the loose fallback to a single trimmed line.
func parseCustomerLine(line string) (models.ExtractedDish, bool) {
	if m := customer.strict.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		qty, _ := strconv.Atoi(m[3])
		// A digit left on the name means the strict split put part of
		// the price into it; retry with the price width capped.
		if endsWithDigit(name) {
			if n := customer.strictNarrow.FindStringSubmatch(line); n != nil {
				name = strings.TrimSpace(n[1])
				qty, _ = strconv.Atoi(n[3])
			}
		}
		if validName(name) && !startsWithDigit(name) && qty > 0 {
			return models.ExtractedDish{Name: name, Quantity: qty}, true
		}
		return models.ExtractedDish{}, false
	}

	if m := customer.loose.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		if validName(name) && !startsWithDigit(name) {
			return models.ExtractedDish{Name: name, Quantity: 1}, true
		}
	}
	return models.ExtractedDish{}, false
}

// KitchenDishes parses the dish lines of a kitchen-slip body.
//
// A dish name with an unclosed full-width parenthesis continues on the
// next line; the two lines are joined before the name is taken.
func KitchenDishes(body string) []models.ExtractedDish {
	if body == "" {
		return nil
	}
	m := kitchen.section.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	lines := strings.Split(m[1], "\n")
	var dishes []models.ExtractedDish
	for i := 0; i < len(lines); i++ {
		if len(dishes) >= maxKitchenDishes {
			break
		}
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		if !kitchen.quantity.MatchString(trimmed) {
			continue
		}

		name := strings.TrimSpace(kitchen.suffix.ReplaceAllString(trimmed, ""))

		// Long dish names wrap: 紫苏半边云（鲜牛胸口 / 切盘）2/份. Join the
		// continuation line when the parenthesis is still open and the
		// next line is not itself a dish line.
		if strings.Contains(name, "（") && !strings.Contains(name, "）") && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if strings.Contains(next, "）") && !kitchen.quantity.MatchString(next) {
				name += next
				i++
			}
		}

		name = strings.TrimSpace(kitchen.returned.ReplaceAllString(name, ""))
		if !validName(name) {
			continue
		}

		qty := 1
		if qm := kitchen.quantity.FindStringSubmatch(trimmed); qm != nil {
			if n, err := strconv.Atoi(qm[1]); err == nil && n > 0 {
				qty = n
			}
		}
		dishes = append(dishes, models.ExtractedDish{Name: name, Quantity: qty})
	}
	return dishes
}

func validName(name string) bool {
	return utf8.RuneCountInString(name) >= minNameRunes
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func endsWithDigit(s string) bool {
	return s != "" && s[len(s)-1] >= '0' && s[len(s)-1] <= '9'
}
