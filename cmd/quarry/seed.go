package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bi0dread/quarry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/gorm"
)

func newSeedCommand(app *app) *cobra.Command {
	var (
		customers int
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the sample schema and fill it with generated customers and orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer b.close(ctx)

			data := generateCustomers(rand.New(rand.NewSource(seed)), customers)
			switch {
			case b.gorm != nil:
				err = seedGorm(ctx, b.gorm, data)
			case b.sql != nil:
				err = seedSQL(ctx, b.sql, b.dialect, data)
			case b.mongo != nil:
				err = seedMongo(ctx, b, data)
			default:
				err = seedElasticsearch(ctx, b.esURL, data)
			}
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			app.logger.Info("seeded", "customers", len(data), "driver", app.cfg.Driver)
			return nil
		},
	}
	cmd.Flags().IntVar(&customers, "customers", 100, "number of customers to generate")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	return cmd
}

func generateCustomers(rng *rand.Rand, count int) []Customer {
	names := []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank", "Grace", "Henry"}
	domains := []string{"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "company.com"}
	statuses := []string{"active", "inactive", "pending", "suspended"}
	tags := []string{"premium", "basic", "enterprise", "trial", "legacy"}
	cities := []string{"Berlin", "Paris", "Tokyo", "Toronto", "Sydney", "Austin"}
	countries := []string{"DE", "FR", "JP", "CA", "AU", "US"}
	products := []string{"Laptop", "Phone", "Tablet", "Monitor", "Keyboard", "Headphones"}
	orderStatuses := []string{"pending", "shipped", "delivered", "cancelled"}

	now := time.Now().UTC().Truncate(time.Second)
	var orderID int64
	out := make([]Customer, count)
	for i := range out {
		name := names[rng.Intn(len(names))]
		loc := rng.Intn(len(cities))
		c := Customer{
			ID:     uuid.NewString(),
			Name:   fmt.Sprintf("%s %d", name, i+1),
			Email:  fmt.Sprintf("%s%d@%s", name, i+1, domains[rng.Intn(len(domains))]),
			Age:    18 + rng.Intn(50),
			Status: statuses[rng.Intn(len(statuses))],
			Score:  float64(rng.Intn(10000)) / 100,
			Address: Address{
				Street:  fmt.Sprintf("%d Main St", 1+rng.Intn(500)),
				City:    cities[loc],
				Country: countries[loc],
			},
			CreatedAt: now.Add(-time.Duration(rng.Intn(365)) * 24 * time.Hour),
		}
		for _, t := range rng.Perm(len(tags))[:rng.Intn(3)] {
			c.Tags = append(c.Tags, tags[t])
		}
		for j := rng.Intn(4); j > 0; j-- {
			orderID++
			qty := 1 + rng.Intn(5)
			c.Orders = append(c.Orders, Order{
				ID:         orderID,
				CustomerID: c.ID,
				Product:    products[rng.Intn(len(products))],
				Quantity:   qty,
				Total:      float64(qty) * float64(10+rng.Intn(990)),
				Status:     orderStatuses[rng.Intn(len(orderStatuses))],
				CreatedAt:  c.CreatedAt.Add(time.Duration(rng.Intn(90)) * 24 * time.Hour),
			})
		}
		out[i] = c
	}
	return out
}

func customerTags(data []Customer) []CustomerTag {
	var out []CustomerTag
	for _, c := range data {
		for _, t := range c.Tags {
			out = append(out, CustomerTag{CustomerID: c.ID, Tag: t})
		}
	}
	return out
}

func seedGorm(ctx context.Context, db *gorm.DB, data []Customer) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&Customer{}, &Order{}, &CustomerTag{}); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(data, 100).Error; err != nil {
			return err
		}
		if tags := customerTags(data); len(tags) > 0 {
			return tx.CreateInBatches(tags, 100).Error
		}
		return nil
	})
}

// sqlSchema is valid for both PostgreSQL and SQLite.
var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT, email TEXT, age INTEGER, status TEXT, score DOUBLE PRECISION,
		address_street TEXT, address_city TEXT, address_country TEXT,
		created_at TIMESTAMPTZ)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT PRIMARY KEY,
		customer_id TEXT REFERENCES customers(id),
		product TEXT, quantity INTEGER, total DOUBLE PRECISION, status TEXT,
		created_at TIMESTAMPTZ)`,
	`CREATE TABLE IF NOT EXISTS customer_tags (
		customer_id TEXT REFERENCES customers(id),
		tag TEXT)`,
}

// insertSQL renders an INSERT with the placeholder style of dialect.
func insertSQL(dialect quarry.Dialect, table string, columns ...string) string {
	ph := make([]string, len(columns))
	for i := range ph {
		ph[i] = "?"
		if dialect == quarry.DialectPostgres {
			ph[i] = "$" + strconv.Itoa(i+1)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(ph, ", "))
}

func seedSQL(ctx context.Context, db *sql.DB, dialect quarry.Dialect, data []Customer) error {
	insertCustomer := insertSQL(dialect, "customers",
		"id", "name", "email", "age", "status", "score", "address_street", "address_city", "address_country", "created_at")
	insertOrder := insertSQL(dialect, "orders", "id", "customer_id", "product", "quantity", "total", "status", "created_at")
	insertTag := insertSQL(dialect, "customer_tags", "customer_id", "tag")

	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range data {
		if _, err := tx.ExecContext(ctx, insertCustomer,
			c.ID, c.Name, c.Email, c.Age, c.Status, c.Score, c.Address.Street, c.Address.City, c.Address.Country, c.CreatedAt); err != nil {
			return err
		}
		for _, o := range c.Orders {
			if _, err := tx.ExecContext(ctx, insertOrder,
				o.ID, o.CustomerID, o.Product, o.Quantity, o.Total, o.Status, o.CreatedAt); err != nil {
				return err
			}
		}
		for _, t := range c.Tags {
			if _, err := tx.ExecContext(ctx, insertTag, c.ID, t); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// seedMongo stores customers with their orders embedded, and every order
// again in its own collection so orders can be searched as a root type.
func seedMongo(ctx context.Context, b *backend, data []Customer) error {
	customers := make([]any, len(data))
	var orders []any
	for i, c := range data {
		customers[i] = c
		for _, o := range c.Orders {
			orders = append(orders, o)
		}
	}
	for _, coll := range []string{"customers", "orders"} {
		if _, err := b.mongo.Collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return err
		}
	}
	if _, err := b.mongo.Collection("customers").InsertMany(ctx, customers); err != nil {
		return err
	}
	if len(orders) > 0 {
		if _, err := b.mongo.Collection("orders").InsertMany(ctx, orders); err != nil {
			return err
		}
	}
	return nil
}

// Strings are indexed as keywords so term and wildcard queries match whole
// values; orders are nested so quantifiers test one order at a time.
var keywordStrings = []any{
	map[string]any{"strings": map[string]any{
		"match_mapping_type": "string",
		"mapping":            map[string]any{"type": "keyword"},
	}},
}

var indexBodies = map[string]any{
	"customers": map[string]any{"mappings": map[string]any{
		"dynamic_templates": keywordStrings,
		"properties":        map[string]any{"orders": map[string]any{"type": "nested"}},
	}},
	"orders": map[string]any{"mappings": map[string]any{
		"dynamic_templates": keywordStrings,
	}},
}

func seedElasticsearch(ctx context.Context, url string, data []Customer) error {
	client := &http.Client{Timeout: 60 * time.Second}
	for name, body := range indexBodies {
		if err := createIndex(ctx, client, url, name, body); err != nil {
			return err
		}
	}

	var bulk bytes.Buffer
	enc := json.NewEncoder(&bulk)
	for _, c := range data {
		if err := bulkAction(enc, "customers", c.ID, c); err != nil {
			return err
		}
		for _, o := range c.Orders {
			if err := bulkAction(enc, "orders", fmt.Sprint(o.ID), o); err != nil {
				return err
			}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/_bulk?refresh=true", &bulk)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bulk index failed: status %d", resp.StatusCode)
	}
	return nil
}

func bulkAction(enc *json.Encoder, index, id string, doc any) error {
	if err := enc.Encode(map[string]any{"index": map[string]any{"_index": index, "_id": id}}); err != nil {
		return err
	}
	return enc.Encode(doc)
}

func createIndex(ctx context.Context, client *http.Client, url, name string, body any) error {
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, url+"/"+name, nil)
	if err != nil {
		return err
	}
	if resp, err := client.Do(head); err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("create index %s: status %d", name, resp.StatusCode)
	}
	return nil
}
