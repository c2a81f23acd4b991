// Package demo creates the sample business schema and fills it with
// reproducible fake data, so the question pipeline has something to query.
package demo

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/schollz/progressbar/v3"
)

//go:embed schema.sql
var schemaSQL string

// TimeLayout is the stored timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Tables in dependency order.
var Tables = []string{"customers", "menu_items", "orders", "order_items"}

// Statuses an order can have.
var Statuses = []string{"pending", "completed", "cancelled", "refunded"}

var menuCategories = []string{"breakfast", "lunch", "dinner", "drinks", "desserts", "snacks"}

// Options controls Seed. Zero counts take defaults; a zero Seed uses 1.
type Options struct {
	Driver    string
	Seed      int64
	Customers int
	MenuItems int
	Orders    int
	Start     time.Time
	End       time.Time
	Progress  io.Writer
}

func (o *Options) defaults() {
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.Customers <= 0 {
		o.Customers = 50
	}
	if o.MenuItems <= 0 {
		o.MenuItems = 30
	}
	if o.Orders <= 0 {
		o.Orders = 500
	}
	if o.End.IsZero() {
		o.End = time.Now().UTC().Truncate(time.Second)
	}
	if o.Start.IsZero() || !o.Start.Before(o.End) {
		o.Start = o.End.AddDate(0, -3, 0)
	}
	if o.Progress == nil {
		o.Progress = io.Discard
	}
}

// Summary counts the rows Seed inserted.
type Summary struct {
	Customers  int `json:"customers"`
	MenuItems  int `json:"menu_items"`
	Orders     int `json:"orders"`
	OrderItems int `json:"order_items"`
}

// CreateSchema creates the demo tables when they do not exist.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating demo schema: %w", err)
		}
	}
	return nil
}

// Reset deletes all demo rows, children first.
func Reset(ctx context.Context, db *sql.DB) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+Tables[i]); err != nil {
			return fmt.Errorf("clearing %s: %w", Tables[i], err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders for drivers that number them.
func Rebind(driver, query string) string {
	if driver != "pgx" && driver != "postgres" && driver != "postgresql" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Seed inserts fake customers, menu items, orders and order lines in one
// transaction. The same Options produce the same rows.
func Seed(ctx context.Context, db *sql.DB, opts Options) (Summary, error) {
	opts.defaults()
	faker := gofakeit.New(opts.Seed)

	bar := progressbar.NewOptions(opts.Customers+opts.MenuItems+opts.Orders,
		progressbar.OptionSetWriter(opts.Progress),
		progressbar.OptionSetDescription("seeding demo data"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	insert := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, Rebind(opts.Driver, query), args...)
		return err
	}

	var sum Summary
	for i := 1; i <= opts.Customers; i++ {
		created := faker.DateRange(opts.Start.AddDate(-1, 0, 0), opts.Start)
		err := insert(`INSERT INTO customers (id, name, email, phone, created_at) VALUES (?, ?, ?, ?, ?)`,
			i, faker.Name(), faker.Email(), faker.Phone(), created.UTC().Format(TimeLayout))
		if err != nil {
			return sum, fmt.Errorf("inserting customer %d: %w", i, err)
		}
		sum.Customers++
		bar.Add(1)
	}

	prices := make([]float64, opts.MenuItems+1)
	for i := 1; i <= opts.MenuItems; i++ {
		category := menuCategories[(i-1)%len(menuCategories)]
		prices[i] = roundCents(faker.Float64Range(2, 30))
		err := insert(`INSERT INTO menu_items (id, name, category, price, available) VALUES (?, ?, ?, ?, ?)`,
			i, menuItemName(faker, category), category, prices[i], boolInt(faker.Number(1, 10) > 1))
		if err != nil {
			return sum, fmt.Errorf("inserting menu item %d: %w", i, err)
		}
		sum.MenuItems++
		bar.Add(1)
	}

	lineID := 0
	for i := 1; i <= opts.Orders; i++ {
		created := faker.DateRange(opts.Start, opts.End).UTC()
		status := weightedStatus(faker)

		lines := faker.Number(1, 4)
		total := 0.0
		type line struct {
			item, qty int
			price     float64
		}
		items := make([]line, 0, lines)
		for range lines {
			item := faker.Number(1, opts.MenuItems)
			qty := faker.Number(1, 3)
			items = append(items, line{item: item, qty: qty, price: prices[item]})
			total += prices[item] * float64(qty)
		}

		var completed any
		if status == "completed" {
			completed = created.Add(time.Duration(faker.Number(5, 60)) * time.Minute).Format(TimeLayout)
		}
		err := insert(`INSERT INTO orders (id, customer_id, status, total_amount, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			i, faker.Number(1, opts.Customers), status, roundCents(total), created.Format(TimeLayout), completed)
		if err != nil {
			return sum, fmt.Errorf("inserting order %d: %w", i, err)
		}
		for _, l := range items {
			lineID++
			err := insert(`INSERT INTO order_items (id, order_id, menu_item_id, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`,
				lineID, i, l.item, l.qty, l.price)
			if err != nil {
				return sum, fmt.Errorf("inserting line %d of order %d: %w", lineID, i, err)
			}
			sum.OrderItems++
		}
		sum.Orders++
		bar.Add(1)
	}

	if err := tx.Commit(); err != nil {
		return sum, fmt.Errorf("committing seed: %w", err)
	}
	return sum, nil
}

func weightedStatus(f *gofakeit.Faker) string {
	switch n := f.Number(1, 100); {
	case n <= 70:
		return "completed"
	case n <= 85:
		return "pending"
	case n <= 95:
		return "cancelled"
	default:
		return "refunded"
	}
}

func menuItemName(f *gofakeit.Faker, category string) string {
	switch category {
	case "breakfast":
		return f.Breakfast()
	case "lunch":
		return f.Lunch()
	case "dinner":
		return f.Dinner()
	case "drinks":
		return f.Drink()
	case "desserts":
		return f.Dessert()
	default:
		return f.Snack()
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
