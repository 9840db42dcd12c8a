// Package plan describes the subscription periods users can buy.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AdminUntil is the expiry given to administrator grants made on /start.
var AdminUntil = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// Plan is a purchasable subscription period.
type Plan struct {
	ID    string
	Days  int
	Price int
}

// Duration returns the length of the paid period.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// Title is the button text shown in the plan keyboard.
func (p Plan) Title() string {
	return fmt.Sprintf("%d дн. — %d ₽", p.Days, p.Price)
}

// New builds a plan whose id is derived from its length, e.g. "30d".
func New(days, price int) Plan {
	return Plan{ID: strconv.Itoa(days) + "d", Days: days, Price: price}
}

// Admin returns the free plan used for administrator grants, running until AdminUntil.
func Admin(now time.Time) Plan {
	days := int(AdminUntil.Sub(now).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return Plan{ID: "admin", Days: days}
}

// Catalog is the ordered list of plans offered in the bot.
type Catalog []Plan

// Get looks a plan up by id.
func (c Catalog) Get(id string) (Plan, bool) {
	for _, p := range c {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Parse reads a catalog in "days:price,days:price" form, e.g. "30:199,90:549".
func Parse(s string) (Catalog, error) {
	var c Catalog
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		daysRaw, priceRaw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("plan %q: want days:price", part)
		}
		days, err := strconv.Atoi(strings.TrimSpace(daysRaw))
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("plan %q: invalid days", part)
		}
		price, err := strconv.Atoi(strings.TrimSpace(priceRaw))
		if err != nil || price < 0 {
			return nil, fmt.Errorf("plan %q: invalid price", part)
		}
		p := New(days, price)
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("plan %q: duplicate length", part)
		}
		seen[p.ID] = struct{}{}
		c = append(c, p)
	}
	if len(c) == 0 {
		return nil, errors.New("empty plan catalog")
	}
	return c, nil
}
