package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	orderRef := flag.String("order", "", "order id or order number to approve")
	txID := flag.String("tx", "storm-tx-1", "gateway transaction id")
	secret := flag.String("secret", "", "wompi events secret")
	adminToken := flag.String("admin-token", "", "admin token for the fulfillment endpoint (ADMIN_TOKEN)")
	amount := flag.Int64("amount", 4490000, "amount in cents")

	// 重复投递测试：同一个事件并发投递 100 次，只应履约一次
	total := flag.Int("n", 100, "deliveries")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	if *orderRef == "" || *adminToken == "" {
		panic("-order and -admin-token are required")
	}
	client := &http.Client{Timeout: 10 * time.Second}

	body := signedEvent(*txID, *orderRef, *amount, *secret)
	fmt.Printf("start redelivery storm: order=%s deliveries=%d concurrency=%d\n", *orderRef, *total, *concurrency)
	results := runStorm(client, *baseURL, body, *total, *concurrency)
	printSummary("redelivery", results)

	fulfilled, duplicate := 0, 0
	for _, r := range results {
		if r.Status != http.StatusOK {
			continue
		}
		var out struct {
			Data struct {
				Duplicate bool `json:"duplicate"`
				Result    *struct {
					Duplicate        bool              `json:"duplicate"`
					CreatedResources []json.RawMessage `json:"created_resources"`
				} `json:"result"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(r.Body), &out); err != nil {
			continue
		}
		switch {
		case out.Data.Duplicate:
			duplicate++
		case out.Data.Result != nil && out.Data.Result.Duplicate:
			duplicate++
		case out.Data.Result != nil && len(out.Data.Result.CreatedResources) > 0:
			fulfilled++
		}
	}
	fmt.Printf("fulfilled -> %d, duplicate -> %d\n", fulfilled, duplicate)
	if fulfilled > 1 {
		fmt.Println("WARNING: order fulfilled more than once")
	}

	state, err := getFulfillment(client, *baseURL, *orderRef, *adminToken)
	if err != nil {
		fmt.Println("fulfillment check err:", err)
	} else {
		fmt.Println("final fulfillment state:", state)
	}
}

// signedEvent 构造一个带校验和的 transaction.updated 事件。
func signedEvent(txID, ref string, amount int64, secret string) []byte {
	const ts = 1530291411
	sum := sha256.Sum256([]byte(txID + "APPROVED" + strconv.FormatInt(amount, 10) + strconv.Itoa(ts) + secret))
	b, _ := json.Marshal(map[string]any{
		"event": "transaction.updated",
		"data": map[string]any{"transaction": map[string]any{
			"id":                  txID,
			"reference":           ref,
			"status":              "APPROVED",
			"amount_in_cents":     amount,
			"currency":            "COP",
			"payment_method_type": "CARD",
		}},
		"signature": map[string]any{
			"properties": []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
			"checksum":   hex.EncodeToString(sum[:]),
		},
		"timestamp": ts,
	})
	return b
}

func runStorm(client *http.Client, baseURL string, body []byte, total int, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = deliverOnce(client, baseURL, body)
		}(i)
	}

	wg.Wait()
	return results
}

func deliverOnce(client *http.Client, baseURL string, body []byte) Result {
	url := fmt.Sprintf("%s/api/webhooks/wompi", baseURL)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getFulfillment 查询订单履约状态，用于压测后校验是否重复履约。
func getFulfillment(client *http.Client, baseURL, ref, adminToken string) (string, error) {
	url := fmt.Sprintf("%s/api/admin/orders/%s/fulfillment", baseURL, ref)
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			Status  string            `json:"status"`
			Records []json.RawMessage `json:"records"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (records=%d)", out.Data.Status, len(out.Data.Records)), nil
}
