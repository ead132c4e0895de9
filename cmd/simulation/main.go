package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/vipshop-api/internal/alipay"
	"github.com/ksred/vipshop-api/internal/catalog"
	"github.com/ksred/vipshop-api/internal/config"
	"github.com/ksred/vipshop-api/internal/database"
	"github.com/ksred/vipshop-api/internal/orders"
	"github.com/ksred/vipshop-api/internal/reconcile"
	"github.com/ksred/vipshop-api/internal/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numBuyers     = 20
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var goodsNames = []string{"7天VIP", "30天VIP", "90天VIP"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient plays both sides of the shop: buyers creating orders and
// the payment gateway delivering signed notifications.
type simulationClient struct {
	baseURL    string
	client     *http.Client
	gatewayKey *rsa.PrivateKey // signs forged notifications
	stats      map[string]*routeStats
	mu         sync.Mutex
}

func newSimulationClient(gatewayKey *rsa.PrivateKey) *simulationClient {
	return &simulationClient{
		baseURL:    serverAddress,
		client:     &http.Client{Timeout: 10 * time.Second},
		gatewayKey: gatewayKey,
		stats: map[string]*routeStats{
			"regist": {name: "Register"},
			"create": {name: "Create Trade"},
			"notify": {name: "Notify"},
			"vip":    {name: "VIP Query"},
		},
	}
}

func (sc *simulationClient) track(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if failed {
		sc.stats[route].failures++
	}
}

// register creates a buyer, tolerating the HasRegisted answer.
func (sc *simulationClient) register(uid string) error {
	start := time.Now()
	resp, err := sc.client.Get(fmt.Sprintf("%s/regist?uid=%s", sc.baseURL, url.QueryEscape(uid)))
	sc.track("regist", start, err != nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register failed with status %d", resp.StatusCode)
	}
	return nil
}

// createTrade submits an order and extracts the trade number from the
// payment link the server hands back.
func (sc *simulationClient) createTrade(uid, goodsName string) (tradeNo, status string, err error) {
	start := time.Now()
	defer func() {
		sc.track("create", start, err != nil)
	}()

	body, err := json.Marshal(map[string]string{"userId": uid, "goodsName": goodsName})
	if err != nil {
		return "", "", err
	}

	resp, err := sc.client.Post(sc.baseURL+"/createTrade", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if !strings.HasPrefix(result.Status, "http") {
		return "", result.Status, nil
	}
	tradeNo, err = tradeNoFromPayURL(result.Status)
	return tradeNo, "CREATED", err
}

// notify forges a gateway notification for the trade and posts it.
func (sc *simulationClient) notify(tradeNo, tradeStatus string) (string, error) {
	start := time.Now()

	params := map[string]string{
		"out_trade_no": tradeNo,
		"trade_status": tradeStatus,
		"notify_time":  time.Now().Format("2006-01-02 15:04:05"),
		"sign_type":    "RSA2",
	}
	sign, err := alipay.SignParams(params, sc.gatewayKey)
	if err != nil {
		sc.track("notify", start, true)
		return "", err
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	resp, err := sc.client.PostForm(sc.baseURL+"/notify", form)
	sc.track("notify", start, err != nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// vipExpiry reads the buyer's current entitlement expiry.
func (sc *simulationClient) vipExpiry(uid string) (string, error) {
	start := time.Now()
	resp, err := sc.client.Get(fmt.Sprintf("%s/vip?uid=%s", sc.baseURL, url.QueryEscape(uid)))
	sc.track("vip", start, err != nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ExpiryDate string `json:"expiryDate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ExpiryDate, nil
}

// tradeNoFromPayURL digs out_trade_no out of the signed payment link.
func tradeNoFromPayURL(payURL string) (string, error) {
	parsed, err := url.Parse(payURL)
	if err != nil {
		return "", err
	}
	var biz struct {
		OutTradeNo string `json:"out_trade_no"`
	}
	if err := json.Unmarshal([]byte(parsed.Query().Get("biz_content")), &biz); err != nil {
		return "", fmt.Errorf("failed to parse biz_content: %w", err)
	}
	if biz.OutTradeNo == "" {
		return "", fmt.Errorf("payment link carries no trade number")
	}
	return biz.OutTradeNo, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the shop simulation: an in-process server with a locally
// generated gateway key, buyer workers creating orders, and forged
// notifications exercising the reconciler's idempotence.
func main() {
	gatewayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate gateway key")
	}

	go func() {
		if err := startServer(gatewayKey); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient(gatewayKey)

	stats := struct {
		Created      int
		SoldOut      int
		Reissued     int
		Credited     int
		DupAcked     int
		Failed       int
		StartTime    time.Time
		GoodsOrdered map[string]int
	}{
		StartTime:    time.Now(),
		GoodsOrdered: make(map[string]int),
	}
	var statsMu sync.Mutex

	tradesChan := make(chan string, numBuyers*2)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < numBuyers/numWorkers; j++ {
				uid := fmt.Sprintf("buyer_%d_%d", workerID, j)
				goodsName := goodsNames[mrand.Intn(len(goodsNames))]

				if err := simClient.register(uid); err != nil {
					log.Error().Err(err).Str("uid", uid).Msg("Failed to register buyer")
					continue
				}

				tradeNo, status, err := simClient.createTrade(uid, goodsName)
				if err != nil {
					log.Error().Err(err).Str("uid", uid).Msg("Failed to create trade")
					continue
				}

				statsMu.Lock()
				switch status {
				case "CREATED":
					stats.Created++
					stats.GoodsOrdered[goodsName]++
				case "SOLD_OUT":
					stats.SoldOut++
				}
				statsMu.Unlock()

				if status != "CREATED" {
					log.Info().Str("uid", uid).Str("status", status).Msg("Trade not created")
					continue
				}

				// A second create inside the window must re-issue the same
				// trade number without touching stock.
				again, _, err := simClient.createTrade(uid, goodsName)
				if err == nil && again == tradeNo {
					statsMu.Lock()
					stats.Reissued++
					statsMu.Unlock()
				}

				tradesChan <- tradeNo
				log.Info().
					Str("uid", uid).
					Str("trade_no", tradeNo).
					Str("goods_name", goodsName).
					Msg("Trade created")

				time.Sleep(time.Duration(mrand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(tradesChan)

	// Deliver payment notifications, duplicating some of them the way the
	// real gateway does under retry.
	for tradeNo := range tradesChan {
		deliveries := 1 + mrand.Intn(3)
		for i := 0; i < deliveries; i++ {
			reply, err := simClient.notify(tradeNo, "TRADE_SUCCESS")
			if err != nil {
				log.Error().Err(err).Str("trade_no", tradeNo).Msg("Failed to deliver notification")
				stats.Failed++
				continue
			}
			if reply != "success" {
				log.Error().Str("trade_no", tradeNo).Str("reply", reply).Msg("Notification rejected")
				stats.Failed++
				continue
			}
			if i == 0 {
				stats.Credited++
			} else {
				stats.DupAcked++
			}
		}
	}

	// Read back every buyer's entitlement so the credited payments are
	// visible end to end.
	for i := 0; i < numWorkers; i++ {
		for j := 0; j < numBuyers/numWorkers; j++ {
			uid := fmt.Sprintf("buyer_%d_%d", i, j)
			expiry, err := simClient.vipExpiry(uid)
			if err != nil {
				log.Error().Err(err).Str("uid", uid).Msg("Failed to read entitlement")
				continue
			}
			log.Info().Str("uid", uid).Str("expiry", expiry).Msg("Entitlement after simulation")
		}
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("VIP SHOP SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Trades created:        %d
Sold out:              %d
Links re-issued:       %d
Payments credited:     %d
Duplicates acked:      %d
Failures:              %d
Duration:              %v

Goods distribution
------------------
`, stats.Created, stats.SoldOut, stats.Reissued, stats.Credited, stats.DupAcked,
		stats.Failed, duration.Round(time.Millisecond))

	for goodsName, count := range stats.GoodsOrdered {
		fmt.Printf("%-10s: %s (%d)\n", goodsName, strings.Repeat("#", count), count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()
}

// startServer initializes and starts the shop API server against a private
// on-disk database, trusting the simulation's gateway key for notification
// signatures.
func startServer(gatewayKey *rsa.PrivateKey) error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(gatewayKey)
	pubDER, err := x509.MarshalPKIXPublicKey(&gatewayKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway public key: %w", err)
	}

	gateway, err := alipay.NewClient(config.AlipayConfig{
		AppID:            "simulation-app",
		SellerID:         "simulation-seller",
		GatewayURL:       "http://localhost:8080/unused-gateway",
		NotifyURL:        serverAddress + "/notify",
		ReturnURL:        serverAddress + "/return",
		PrivateKey:       base64.StdEncoding.EncodeToString(privDER),
		GatewayPublicKey: base64.StdEncoding.EncodeToString(pubDER),
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway client: %w", err)
	}

	catalogService := catalog.NewService(db)
	userService := users.NewService(db)
	orderService := orders.NewService(db, catalogService, gateway, 15*time.Minute)
	reconcileService := reconcile.NewService(db, orderService.GetDB(), catalogService, gateway)

	catalogHandlers := catalog.NewGinHandlers(catalogService)
	userHandlers := users.NewGinHandlers(userService)
	orderHandlers := orders.NewGinHandlers(orderService)
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/goods", catalogHandlers.ListGoodsHandler())
	router.GET("/vip", userHandlers.VipExpiryHandler())
	router.GET("/regist", userHandlers.RegisterHandler())
	router.POST("/createTrade", orderHandlers.CreateTradeHandler())
	router.POST("/notify", reconcileHandlers.NotifyHandler())
	router.GET("/return", reconcileHandlers.ReturnHandler())

	return router.Run(":8080")
}
