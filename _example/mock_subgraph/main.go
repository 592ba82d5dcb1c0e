// Mock orders subgraph: answers _entities queries and order mutations so the
// engine can be exercised end to end without a real service.
package main

import (
	"encoding/json"
	"log"
	"net/http"
)

var orders = map[string]map[string]interface{}{
	"9": {"__typename": "Order", "id": "9", "total": 42, "shippingEstimate": 5},
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func main() {
	http.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		if reps, ok := req.Variables["representations"].([]interface{}); ok {
			entities := make([]interface{}, len(reps))
			for i, raw := range reps {
				rep, _ := raw.(map[string]interface{})
				id, _ := rep["id"].(string)
				if order, found := orders[id]; found {
					entities[i] = order
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"_entities": entities},
			})
			return
		}

		// Everything else is treated as an order mutation against id "9".
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"updateOrder": orders["9"],
			},
		})
	})

	log.Println("mock orders subgraph listening on :8101")
	log.Fatal(http.ListenAndServe(":8101", nil))
}
