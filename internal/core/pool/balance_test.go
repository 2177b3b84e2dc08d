package pool_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto-gateway/internal/core/bridge"
	"mtproto-gateway/internal/core/pool"
	"mtproto-gateway/internal/infra/config"
)

func TestWeightedBalancedDistribution(t *testing.T) {
	t.Parallel()

	svc := config.ServiceCreateChat
	main := newBridge(t, "main", 1, svc)
	b1 := newBridge(t, "b1", 2, svc)
	b2 := newBridge(t, "b2", 3, svc)
	b3 := newBridge(t, "b3", 4, svc)

	rng := rand.New(rand.NewPCG(42, 1024))
	p := pool.New([]*bridge.Bridge{main, b1, b2, b3}, "main", pool.WithRandom(rng.Float64))

	counts := map[string]int{"main": 100, "b1": 10, "b2": 10, "b3": 10}

	const draws = 10000
	freq := make(map[string]int)
	for i := 0; i < draws; i++ {
		chosen := p.GetWeightedBalanced(svc, counts, "")
		require.NotNil(t, chosen)
		freq[chosen.AccountName]++
	}

	// Основной аккаунт держит ~5% потока, backup'ы делят остаток поровну
	// (дефициты равны).
	mainShare := float64(freq["main"]) / draws
	require.GreaterOrEqual(t, mainShare, 0.04, "main share %v", mainShare)
	require.LessOrEqual(t, mainShare, 0.06, "main share %v", mainShare)

	for _, name := range []string{"b1", "b2", "b3"} {
		share := float64(freq[name]) / draws
		require.GreaterOrEqual(t, share, 0.29, "%s share %v", name, share)
		require.LessOrEqual(t, share, 0.35, "%s share %v", name, share)
	}
}

func TestWeightedBalancedDeficitSkew(t *testing.T) {
	t.Parallel()

	svc := config.ServiceCreateChat
	b1 := newBridge(t, "b1", 2, svc)
	b2 := newBridge(t, "b2", 3, svc)

	rng := rand.New(rand.NewPCG(7, 7))
	// Основного аккаунта в пуле нет: чистое дефицит-взвешивание.
	p := pool.New([]*bridge.Bridge{b1, b2}, "main", pool.WithRandom(rng.Float64))

	// b2 сильно недогружен: дефициты 1 против 10.
	counts := map[string]int{"b1": 9, "b2": 0}

	const draws = 5000
	freq := make(map[string]int)
	for i := 0; i < draws; i++ {
		freq[p.GetWeightedBalanced(svc, counts, "").AccountName]++
	}

	b2Share := float64(freq["b2"]) / draws
	require.Greater(t, b2Share, 0.80, "underloaded backup share %v", b2Share)
}

func TestWeightedBalancedSingleBridgeDeterministic(t *testing.T) {
	t.Parallel()

	svc := config.ServiceCreateChat
	only := newBridge(t, "b1", 2, svc)
	p := pool.New([]*bridge.Bridge{only}, "main")

	for i := 0; i < 10; i++ {
		require.Same(t, only, p.GetWeightedBalanced(svc, map[string]int{}, ""))
	}
}

func TestWeightedBalancedMainOnly(t *testing.T) {
	t.Parallel()

	svc := config.ServiceCreateChat
	main := newBridge(t, "main", 1, svc)
	banned := newBridge(t, "b1", 2, svc)
	banned.MarkBanned()

	p := pool.New([]*bridge.Bridge{main, banned}, "main")
	require.Same(t, main, p.GetWeightedBalanced(svc, map[string]int{}, ""))
}

func TestWeightedBalancedEmptyPool(t *testing.T) {
	t.Parallel()

	svc := config.ServiceCreateChat
	banned := newBridge(t, "b1", 2, svc)
	banned.MarkBanned()

	p := pool.New([]*bridge.Bridge{banned}, "main")
	require.Nil(t, p.GetWeightedBalanced(svc, map[string]int{}, ""))
}
