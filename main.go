package main

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/asaidimu/go-sqlm/core"
	"github.com/asaidimu/go-sqlm/core/binding"
	"github.com/asaidimu/go-sqlm/core/model"
	"github.com/asaidimu/go-sqlm/sqldb"
	"github.com/asaidimu/go-sqlm/utils"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dbFileName = "user.db"
	usersDDL   = `CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		password TEXT
	)`
)

// User is a row of the users table.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// call invokes a binding and waits for the executor to report back.
func call(ctx context.Context, m *model.Model, name string, input any) *sqldb.Result {
	out, err := core.Await(func(done core.Callback) error {
		return m.Call(ctx, name, input, done)
	})
	if err != nil {
		log.Fatalf("%s failed: %v", name, err)
	}
	return out.(*sqldb.Result)
}

func printUsers(rows []core.Document) {
	fmt.Println("-------------------------------------------------------------------------------")
	fmt.Printf("%-5s %-12s %-22s %-34s\n", "ID", "Username", "Email", "Password")
	fmt.Println("-------------------------------------------------------------------------------")
	for _, row := range rows {
		user, err := utils.MapToStruct[User](row)
		if err != nil {
			log.Fatalf("Failed to decode user row: %v", err)
		}
		fmt.Printf("%-5d %-12s %-22s %-34s\n", user.ID, user.Username, user.Email, user.Password)
	}
	fmt.Println("-------------------------------------------------------------------------------")
}

func main() {
	if err := os.Remove(dbFileName); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to remove existing database file %s: %v", dbFileName, err)
	}
	fmt.Printf("Starting fresh: removed existing %s (if any).\n", dbFileName)

	db, err := sql.Open("sqlite3", dbFileName)
	if err != nil {
		log.Fatalf("Failed to open database connection: %v", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			log.Printf("Error closing database connection: %v", cErr)
		}
		fmt.Println("Database connection closed.")
	}()

	ctx := context.Background()
	users, err := model.New(sqldb.New(db, nil, nil))
	if err != nil {
		log.Fatalf("Failed to initialize model: %v", err)
	}

	users.RegisterSubscription(model.RegisterSubscriptionOptions{
		Event: model.InvokeSuccess,
		Callback: func(ctx context.Context, event model.Event) error {
			fmt.Printf("Binding '%s' succeeded with params %v\n", *event.Binding, event.Params)
			return nil
		},
	})

	// Passwords are stored as md5 hex digests, whichever binding reads them.
	users.Use("password", core.Transform(func(value any) any {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}))

	bindings := []struct {
		name   string
		fields binding.FieldMap
		sql    string
	}{
		{"create", binding.Positions(map[string]any{"username": 1, "email": 2, "password": 3}),
			"INSERT INTO users (username, email, password) VALUES (?, ?, ?)"},
		{"read", binding.Sequence("username"),
			"SELECT id, username, email, password FROM users WHERE username = ?"},
		{"list", binding.Sequence(), "SELECT id, username, email, password FROM users ORDER BY id"},
		{"update", binding.Positions(map[string]any{"email": "$1", "password": "$2", "username": "$3"}),
			"UPDATE users SET email = ?, password = ? WHERE username = ?"},
		{"delete", binding.Sequence("username"), "DELETE FROM users WHERE username = ?"},
	}
	for _, b := range bindings {
		if err := users.Bind(b.name, b.fields, b.sql); err != nil {
			log.Fatalf("Failed to declare binding %s: %v", b.name, err)
		}
	}
	fmt.Printf("Declared bindings: %v\n", users.Bindings())

	if _, err := core.Await(func(done core.Callback) error {
		return users.Exec(ctx, usersDDL, nil, done)
	}); err != nil {
		log.Fatalf("Failed to create 'users' table: %v", err)
	}
	fmt.Println("'users' table created successfully.")

	call(ctx, users, "create", User{Username: "werle", Email: "joseph@werle.io", Password: "yes"})
	call(ctx, users, "create", map[string]any{"username": "alice", "email": "alice@example.com", "password": "secret"})
	call(ctx, users, "create", core.Document{"username": "anon"})

	fmt.Println("\nAll users:")
	printUsers(call(ctx, users, "list", core.Document{}).Rows)

	read := call(ctx, users, "read", core.Document{"username": "werle"})
	if len(read.Rows) != 1 {
		log.Fatalf("Expected one row for werle, got %d", len(read.Rows))
	}
	werle := read.Rows[0]
	werle["email"] = "werle@werle.io"
	werle["password"] = "no"
	call(ctx, users, "update", werle)
	call(ctx, users, "delete", core.Document{"username": "anon"})

	fmt.Println("\nAfter update and delete:")
	printUsers(call(ctx, users, "list", core.Document{}).Rows)

	fmt.Printf("\nDatabase written to: %s\n", dbFileName)
	fmt.Printf("Inspect it with: sqlite3 %s 'SELECT * FROM users;'\n", dbFileName)
}
