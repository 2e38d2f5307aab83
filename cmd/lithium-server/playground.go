package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"lithium/endpoint"
	"lithium/server"
)

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type greeting struct {
	Msg string `json:"msg"`
}

type resident struct {
	Name    string `json:"name"`
	Address struct {
		Street string `json:"street"`
		Zip    int    `json:"zip"`
	} `json:"address"`
}

type account struct {
	Email string `json:"email"`
	Salt  []byte `json:"salt"`
}

type thrown struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// registerPlayground installs one demo command per kind of payload.
func registerPlayground(srv *server.Server) error {
	handlers := map[string]endpoint.Handler{
		"handleBuffer": endpoint.Handle(func(ctx context.Context, p []byte, c *endpoint.Conn) ([]byte, error) {
			return slices.Concat([]byte("Hello, world! "), p, []byte(" Hello, world!")), nil
		}),
		"handleNum": endpoint.Handle(func(ctx context.Context, n float64, c *endpoint.Conn) (float64, error) {
			return n * n, nil
		}),
		"handleBoo": endpoint.Handle(func(ctx context.Context, b bool, c *endpoint.Conn) (bool, error) {
			return !b, nil
		}),
		"handleString": endpoint.Handle(func(ctx context.Context, s string, c *endpoint.Conn) (string, error) {
			return fmt.Sprintf("Well hello, %s!", s), nil
		}),
		"handleArray": endpoint.Handle(func(ctx context.Context, nums []float64, c *endpoint.Conn) (float64, error) {
			var biggest float64
			for _, n := range nums {
				biggest = max(biggest, n)
			}
			return biggest, nil
		}),
		"handleObject": endpoint.Handle(func(ctx context.Context, p person, c *endpoint.Conn) (greeting, error) {
			return greeting{Msg: fmt.Sprintf("Hello %s, you are %d years old.", p.Name, p.Age)}, nil
		}),
		"handleNestedObject": endpoint.Handle(func(ctx context.Context, r resident, c *endpoint.Conn) (string, error) {
			return fmt.Sprintf("Hello %s, you live in %d on %s.", r.Name, r.Address.Zip, r.Address.Street), nil
		}),
		"handleNestedBuffer": endpoint.Handle(func(ctx context.Context, a account, c *endpoint.Conn) (account, error) {
			a.Email = "no no no"
			return a, nil
		}),
		"handleVoid": func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
			return nil, nil
		},
		"handleError": func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
			return nil, errors.New("you sucks!!!")
		},
		"handleThrow": func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
			return nil, &endpoint.FaultValue{Value: thrown{Name: "Elijah", Error: "bye bye!"}}
		},
	}
	for name, h := range handlers {
		if err := srv.Implement(name, h); err != nil {
			return err
		}
	}
	return nil
}
