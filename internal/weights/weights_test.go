package weights

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithClampsToCaps(t *testing.T) {
	s := Default()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	next, err := s.With(Flow, 5.0, at)
	require.NoError(t, err)
	assert.Equal(t, 3.0, next.Get(Flow))
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, 2.0, s.Get(Flow), "original set must not change")

	next, err = next.With(Insider, -9, at)
	require.NoError(t, err)
	assert.Equal(t, 0.1, next.Get(Insider))

	_, err = s.With("gamma", 0.1, at)
	assert.ErrorIs(t, err, ErrUnknownWeight)
}

func TestRandomNudgesStayWithinCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := Default()
	names := s.Names()
	for i := 0; i < 5000; i++ {
		name := names[rng.Intn(len(names))]
		delta := (rng.Float64() - 0.5) * 0.4
		var err error
		s, err = s.With(name, delta, time.Now())
		require.NoError(t, err)
	}
	for name, v := range s.Values {
		c := s.Caps[name]
		assert.GreaterOrEqual(t, v, c.Lo, name)
		assert.LessOrEqual(t, v, c.Hi, name)
	}
}

func TestStoreLoadMissingKeepsDefaults(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "weights.json"))
	require.NoError(t, st.Load())
	assert.Equal(t, Default().Values, st.Current().Values)
}

func TestStoreSwapPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	st := NewStore(path)

	next, err := st.Current().With(DarkPool, 0.2, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Swap(next))
	assert.InDelta(t, 1.2, st.Current().Get(DarkPool), 1e-9)

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	assert.InDelta(t, 1.2, reloaded.Current().Get(DarkPool), 1e-9)
	assert.Equal(t, int64(2), reloaded.Current().Version)
}

func TestStoreLoadClampsOutOfRangeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	body := `{"version":9,"values":{"flow":7,"dark_pool":0.1,"insider":0.5,"regime":0.5},"caps":{}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	st := NewStore(path)
	require.NoError(t, st.Load())
	assert.Equal(t, 3.0, st.Current().Get(Flow))
	assert.Equal(t, 0.4, st.Current().Get(DarkPool))
}

func TestConcurrentReadersSeeWholeSets(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "weights.json"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := st.Current()
				// Writers move flow and insider together so a torn read
				// would break the relation.
				assert.InDelta(t, s.Get(Flow)-2.0, (s.Get(Insider)-0.5)*2, 1e-9)
			}
		}()
	}

	cur := st.Current()
	for i := 0; i < 10; i++ {
		next, err := cur.With(Flow, 0.02, time.Now())
		require.NoError(t, err)
		next, err = next.With(Insider, 0.01, time.Now())
		require.NoError(t, err)
		require.NoError(t, st.Swap(next))
		cur = next
	}
	close(stop)
	wg.Wait()
}
