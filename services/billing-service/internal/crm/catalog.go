package crm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
)

// Catalog resolves plans to CRM products and knows which checkout line items are
// placeholders standing in for the plan.
type Catalog struct {
	plans        map[string]string
	placeholders map[string]bool
}

// ParseCatalog reads a JSON object of plan keys to CRM product ids. Keys are either
// "plan" or "plan:cycle"; the cycle-specific key wins. placeholders is a comma list.
func ParseCatalog(plansJSON, placeholders string) (Catalog, error) {
	c := Catalog{plans: map[string]string{}, placeholders: map[string]bool{}}
	if s := strings.TrimSpace(plansJSON); s != "" {
		var raw map[string]string
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return Catalog{}, fmt.Errorf("parse crm plan products: %w", err)
		}
		for k, v := range raw {
			c.plans[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	for _, p := range strings.Split(placeholders, ",") {
		if p = strings.TrimSpace(p); p != "" {
			c.placeholders[p] = true
		}
	}
	return c, nil
}

func (c Catalog) Resolve(plan string, cycle model.BillingCycle) (string, bool) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if plan == "" {
		return "", false
	}
	if id, ok := c.plans[plan+":"+string(cycle)]; ok && id != "" {
		return id, true
	}
	id, ok := c.plans[plan]
	return id, ok && id != ""
}

func (c Catalog) isPlaceholder(productID string) bool {
	return c.placeholders[productID]
}

// RebuildProductRows drops placeholder items and appends the resolved plan product priced
// so the deal total equals the transaction amount. Rebuilding twice gives the same rows.
func RebuildProductRows(items []model.LineItem, catalog Catalog, txn model.Transaction) []ProductRow {
	planID, hasPlan := catalog.Resolve(txn.PlanType, txn.BillingCycle)

	var rows []ProductRow
	kept := decimal.Zero
	for _, it := range items {
		if catalog.isPlaceholder(it.ProductID) || (hasPlan && it.ProductID == planID) {
			continue
		}
		qty := max(it.Quantity, 1)
		rows = append(rows, ProductRow{ProductID: it.ProductID, Name: it.Name, Price: it.UnitPrice, Quantity: qty})
		kept = kept.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
	}
	if hasPlan {
		price := txn.Amount.Sub(kept)
		if price.IsNegative() {
			price = decimal.Zero
		}
		rows = append(rows, ProductRow{ProductID: planID, Name: txn.PlanType, Price: price.Round(2), Quantity: 1})
	}
	return rows
}
