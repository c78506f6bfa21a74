package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Credentials struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type Claims struct {
	Uid string `json:"uid"`
	jwt.RegisteredClaims
}

// userid -> token, err
func (s *Server) signJWT(claim Claims) (string, error) {
	claim.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour * 24 * 30))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(s.secret)
}

// token -> userid, ok
func (s *Server) parseJWT(token string) (string, bool) {
	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})

	if err != nil {
		return "", false
	}

	if claim, ok := parsedToken.Claims.(*Claims); ok && parsedToken.Valid {
		return claim.Uid, true
	}

	return "", false
}

func (s *Server) middleware(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		extractedToken := strings.Split(token, "Bearer ")

		if len(extractedToken) != 2 {
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}

		uid, ok := s.parseJWT(extractedToken[1])

		if ok {
			ctx := context.WithValue(r.Context(), uidKey{}, uid)
			next(w, r.WithContext(ctx))
		} else {
			http.Error(w, "Invalid token", http.StatusForbidden)
		}
	}
}

type uidKey struct{}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		http.Error(w, "No user database", http.StatusServiceUnavailable)
		return
	}

	reqBody, _ := io.ReadAll(r.Body)
	var user Credentials
	if json.Unmarshal(reqBody, &user) != nil {
		http.Error(w, "Bad format", http.StatusForbidden)
		return
	}

	filter := bson.D{{Key: "username", Value: user.Username}, {Key: "password", Value: user.Password}}

	res := s.users.FindOne(r.Context(), filter)

	if res.Err() == nil {
		token, _ := s.signJWT(Claims{
			Uid: user.Username,
		})
		fmt.Fprint(w, token)
	} else {
		http.Error(w, "Invalid credentials", http.StatusForbidden)
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		http.Error(w, "No user database", http.StatusServiceUnavailable)
		return
	}

	reqBody, _ := io.ReadAll(r.Body)
	var user Credentials
	if json.Unmarshal(reqBody, &user) != nil {
		http.Error(w, "Bad format", http.StatusForbidden)
		return
	}

	filter := bson.D{{Key: "username", Value: user.Username}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "password", Value: user.Password}}}}
	opts := options.Update().SetUpsert(true)

	res, err := s.users.UpdateOne(r.Context(), filter, update, opts)
	if err != nil {
		log.Println("register:", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if res.UpsertedCount != 0 {
		token, _ := s.signJWT(Claims{
			Uid: user.Username,
		})
		fmt.Fprint(w, token)
	} else {
		http.Error(w, "Already exists", http.StatusForbidden)
	}
}
