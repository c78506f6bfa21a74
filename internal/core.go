package internal

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Config struct {
	Port     int
	MongoURI string
	Secret   string
}

// ConfigFromEnv reads PORT, MONGO_URI and JWT_SECRET. An empty MONGO_URI
// runs the server without persistence.
func ConfigFromEnv() Config {
	cfg := Config{
		Port:     8080,
		MongoURI: os.Getenv("MONGO_URI"),
		Secret:   os.Getenv("JWT_SECRET"),
	}
	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &cfg.Port)
	}
	if cfg.Secret == "" {
		cfg.Secret = "dev-secret"
	}
	return cfg
}

// Router wires the HTTP surface of a server.
func Router(s *Server) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/login", s.login).Methods("POST")
	r.HandleFunc("/register", s.register).Methods("POST")
	r.HandleFunc("/doc", s.middleware(s.newDoc)).Methods("POST")
	r.HandleFunc("/doc/{docid}", s.middleware(s.getDoc)).Methods("GET")
	r.HandleFunc("/ws/{docid}", s.ws)
	return r
}

func Run(cfg Config) {
	var store *Store
	var users *mongo.Collection

	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal(err)
		}
		db := client.Database("jsonpad")
		store = NewStore(db.Collection("docs"))
		users = db.Collection("users")
	}

	server := NewServer(store, users, []byte(cfg.Secret))
	go server.update()
	go server.snapshot()

	srv := &http.Server{
		Handler: Router(server),
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.Fatal(srv.ListenAndServe())
}
