package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bi0dread/quarry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestGenerateCustomers(t *testing.T) {
	data := generateCustomers(rand.New(rand.NewSource(7)), 25)
	require.Len(t, data, 25)

	ids := map[string]bool{}
	var orderID int64
	for _, c := range data {
		assert.False(t, ids[c.ID], "duplicate id %s", c.ID)
		ids[c.ID] = true
		assert.GreaterOrEqual(t, c.Age, 18)
		assert.Less(t, c.Age, 68)
		assert.LessOrEqual(t, len(c.Tags), 2)
		for _, o := range c.Orders {
			orderID++
			assert.Equal(t, orderID, o.ID)
			assert.Equal(t, c.ID, o.CustomerID)
			assert.False(t, o.CreatedAt.Before(c.CreatedAt))
		}
	}

	again := generateCustomers(rand.New(rand.NewSource(7)), 25)
	assert.Equal(t, data[3].Name, again[3].Name)
	assert.Equal(t, data[3].Address, again[3].Address)
}

func TestInsertSQL(t *testing.T) {
	assert.Equal(t, "INSERT INTO orders (id, status) VALUES (?, ?)", insertSQL(quarry.DialectSQLite, "orders", "id", "status"))
	assert.Equal(t, "INSERT INTO orders (id, status) VALUES ($1, $2)", insertSQL(quarry.DialectPostgres, "orders", "id", "status"))
}

func TestDescribeProperty(t *testing.T) {
	reg, err := newRegistry()
	require.NoError(t, err)
	m, err := reg.Metadata("Customer")
	require.NoError(t, err)

	for prop, want := range map[string]string{
		"name":    "string",
		"address": "embedded Address",
		"orders":  "list of Order",
	} {
		pt, err := m.PropertyType(prop)
		require.NoError(t, err)
		assert.Equal(t, want, describeProperty(pt), prop)
	}
}

func TestSeedSearchCount(t *testing.T) {
	db := filepath.Join(t.TempDir(), "quarry.db")
	base := []string{"--driver", "sqlite", "--dsn", db}

	runCLI(t, append(base, "seed", "--customers", "20", "--seed", "3")...)

	out := runCLI(t, append(base, "--metrics", "count", "-q", "")...)
	assert.Equal(t, "20", strings.TrimSpace(out))

	out = runCLI(t, append(base, "search", "--total", "-q", "age >= 18 sort=name:asc page=skip:0,take:5")...)
	var res struct {
		Results []map[string]any `json:"results"`
		Total   int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res.Results, 5)
	assert.Equal(t, int64(20), res.Total)

	out = runCLI(t, append(base, "explain", "-q", `status = "active"`)...)
	assert.Contains(t, out, "plan:    Customer AS t0")
	assert.Contains(t, out, "gorm:")
	assert.Contains(t, out, "FROM `customers`")
}

func TestTypesCommand(t *testing.T) {
	out := runCLI(t, "types")
	assert.Contains(t, out, "Customer\n")
	assert.Contains(t, out, "Order\n")
	assert.Contains(t, out, "embedded Address")
}

func TestUnknownDriver(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--driver", "oracle", "count"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
