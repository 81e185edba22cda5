package app

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/alerting"
	"price-tracker/internal/config"
	"price-tracker/internal/domain"
	"price-tracker/internal/storage"
)

func samplePoints(n int) []storage.PricePoint {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]storage.PricePoint, n)
	for i := range points {
		points[i] = storage.PricePoint{
			ProductID:    7,
			Price:        decimal.NewFromInt(int64(100 - i)),
			Currency:     "EUR",
			Availability: domain.AvailabilityInStock,
			Source:       "scraping",
			RunID:        "run",
			RecordedAt:   start.Add(time.Duration(i) * time.Hour),
		}
	}
	return points
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	points := samplePoints(100)

	got := downsamplePoints(points, 10)
	if len(got) != 10 {
		t.Fatalf("期望 10 个点, 实际 %d", len(got))
	}
	if !got[0].RecordedAt.Equal(points[0].RecordedAt) || !got[9].RecordedAt.Equal(points[99].RecordedAt) {
		t.Fatal("首尾点必须保留")
	}

	if len(downsamplePoints(points, 0)) != 100 || len(downsamplePoints(points, 200)) != 100 {
		t.Fatal("max 不限制时应原样返回")
	}
	if one := downsamplePoints(points, 1); len(one) != 1 || !one[0].RecordedAt.Equal(points[99].RecordedAt) {
		t.Fatal("max=1 时应返回最新的点")
	}
}

func TestWritePointsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.csv")
	if err := writePointsCSV(path, samplePoints(3)); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("期望表头加 3 行, 实际 %d", len(records))
	}
	if records[0][2] != "price" || records[1][2] != "100.00" || records[3][2] != "98.00" {
		t.Fatalf("价格列不正确: %v", records)
	}
	if records[1][0] != "2024-01-01T00:00:00Z" {
		t.Fatalf("时间列不正确: %s", records[1][0])
	}
}

func TestSimulateAlertWithLogNotifier(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.Policy = alerting.DefaultPolicy()
	cfg.Keepa.Domain = "it"
	a := NewApp(cfg, zerolog.Nop())

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		OldPrice:     decimal.NewFromInt(100),
		NewPrice:     decimal.NewFromInt(80),
		Availability: domain.AvailabilityInStock,
		Send:         true,
	})
	if err != nil {
		t.Fatalf("日志通道不应失败: %v", err)
	}

	cfg.Alerting.Enabled = false
	err = a.SimulateAlert(context.Background(), SimulateOptions{
		OldPrice: decimal.NewFromInt(100),
		NewPrice: decimal.NewFromInt(80),
		Send:     true,
	})
	if err == nil {
		t.Fatal("alerting 关闭时 --send 应报错")
	}
}

func TestRequireProductID(t *testing.T) {
	if requireProductID(0) == nil || requireProductID(-3) == nil {
		t.Fatal("非正数 id 应被拒绝")
	}
	if requireProductID(1) != nil {
		t.Fatal("正数 id 应通过")
	}
}

func TestNewCacheFallsBackWhenRedisUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	cfg := &config.Config{}
	cfg.Cache.Backend = "redis"
	cfg.Cache.TTL = time.Minute
	cfg.Cache.Redis.URL = "redis://" + addr + "/0"
	cfg.Cache.Redis.DialTimeout = 200 * time.Millisecond
	a := NewApp(cfg, zerolog.Nop())

	c, closer, err := a.newCache(context.Background())
	if err != nil {
		t.Fatalf("redis 不可用时不应报错: %v", err)
	}
	if closer != nil {
		t.Fatal("回退到内存缓存时不需要 closer")
	}
	if c.Stats().Backend != "memory" {
		t.Fatalf("应回退到内存缓存, 实际 %s", c.Stats().Backend)
	}
}

func TestNewCacheUsesRedisWhenReachable(t *testing.T) {
	srv := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.URL = "redis://" + srv.Addr() + "/0"
	cfg.Cache.Redis.Namespace = "test"
	a := NewApp(cfg, zerolog.Nop())

	c, closer, err := a.newCache(context.Background())
	if err != nil {
		t.Fatalf("连接 miniredis 失败: %v", err)
	}
	defer closer()
	if c.Stats().Backend != "redis" {
		t.Fatalf("应使用 redis 缓存, 实际 %s", c.Stats().Backend)
	}
}
