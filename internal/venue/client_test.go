package venue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alpha-engine/internal/pool"
	"alpha-engine/internal/session"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *session.Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg := session.NewRegistry(nil, time.Hour, nil)
	h := make(http.Header)
	h.Set("X-Token", "tok-1")
	reg.Put(&session.Session{
		AccountID:  "acct-1",
		Header:     h,
		ValidUntil: time.Now().Add(time.Hour),
	})

	client := NewClient(pool.New(nil, pool.Options{}, nil), reg, ClientConfig{
		BaseURL: srv.URL,
		TimeURL: srv.URL,
	}, nil)
	return client, reg
}

func TestDo_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuthInvalid},
		{http.StatusForbidden, KindAuthInvalid},
		{http.StatusTooManyRequests, KindThrottled},
		{http.StatusTeapot, KindThrottled},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindTerminal},
	}

	for _, c := range cases {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		_, err := client.QueryAirdrops(context.Background(), "acct-1")
		if err == nil {
			t.Fatalf("status %d: expected error", c.status)
		}
		if got := KindOf(err); got != c.want {
			t.Errorf("status %d: kind mismatch got %s want %s", c.status, got, c.want)
		}
	}
}

func TestDo_AuthFailureInvalidatesSession(t *testing.T) {
	client, reg := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := client.QueryAirdrops(context.Background(), "acct-1"); KindOf(err) != KindAuthInvalid {
		t.Fatalf("expected auth_invalid, got %v", err)
	}
	// 会话已被标记失效，后续调用不再触达远端。
	if _, err := reg.Get(context.Background(), "acct-1"); !errors.Is(err, session.ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid from registry, got %v", err)
	}
}

func TestDo_AttachesSessionCredentials(t *testing.T) {
	var gotToken string
	var gotCookie string
	client, reg := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Token")
		if ck, err := r.Cookie("p20t"); err == nil {
			gotCookie = ck.Value
		}
		w.Write([]byte(`{"code":"000000","success":true,"data":{"configs":[]}}`))
	}))
	s, _ := reg.Peek("acct-1")
	s.Cookies = []*http.Cookie{{Name: "p20t", Value: "cookie-1"}}

	if _, err := client.QueryAirdrops(context.Background(), "acct-1"); err != nil {
		t.Fatalf("QueryAirdrops returned error: %v", err)
	}
	if gotToken != "tok-1" {
		t.Fatalf("session header not attached, got %q", gotToken)
	}
	if gotCookie != "cookie-1" {
		t.Fatalf("session cookie not attached, got %q", gotCookie)
	}
}

func TestQueryAirdrops_ParsesClaimInfo(t *testing.T) {
	body := `{"code":"000000","success":true,"data":{"configs":[
		{"configId":"cfg-1","tokenSymbol":"BR","claimInfo":{"canClaim":true,"claimStatus":"available"}},
		{"configId":"cfg-2","tokenSymbol":"ZKJ","claimInfo":{"canClaim":false,"claimStatus":"success"}}
	]}}`
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	configs, err := client.QueryAirdrops(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("QueryAirdrops returned error: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
	if !configs[0].Claimable() {
		t.Fatalf("cfg-1 should be claimable: %+v", configs[0])
	}
	if configs[1].Claimable() {
		t.Fatalf("cfg-2 should not be claimable: %+v", configs[1])
	}
}

func TestClaimAirdrop_BusinessFailureInResult(t *testing.T) {
	body := `{"code":"336019","message":"already claimed","success":false,
		"data":{"claimInfo":{"isClaimed":true,"claimStatus":"success"}}}`
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	result, err := client.ClaimAirdrop(context.Background(), "acct-1", "cfg-1")
	if err != nil {
		t.Fatalf("business failure must not surface as error: %v", err)
	}
	if result.Succeeded() {
		t.Fatal("code 336019 must not count as success")
	}
	if !result.AlreadyDone() {
		t.Fatalf("expected already-done result: %+v", result)
	}
}

func TestPlaceLimitOrder_ReturnsOrderID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"000000","success":true,"data":"910001234"}`))
	}))

	id, err := client.PlaceLimitOrder(context.Background(), "acct-1", OrderRequest{
		BaseAsset: "ALPHA_118", QuoteAsset: "USDT", Side: "BUY",
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder returned error: %v", err)
	}
	if id != "910001234" {
		t.Fatalf("order id mismatch: %q", id)
	}
}

func TestServerTime(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":1756713600000}`))
	}))

	ts, err := client.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("ServerTime returned error: %v", err)
	}
	if !ts.Equal(time.UnixMilli(1756713600000)) {
		t.Fatalf("server time mismatch: %v", ts)
	}
}

func TestCheck_ReportsValidity(t *testing.T) {
	ok := true
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok {
			w.Write([]byte(`{"code":"000000","success":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	valid, ttl, err := client.Check(context.Background(), "acct-1")
	if err != nil || !valid {
		t.Fatalf("expected valid session, got valid=%v err=%v", valid, err)
	}
	if ttl <= 0 {
		t.Fatalf("expected positive ttl, got %v", ttl)
	}

	// 凭证失效按"无效"上报而不是错误，避免注册表把网络故障当作失效。
	ok = false
	valid, _, err = client.Check(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("auth rejection should not be an error: %v", err)
	}
	if valid {
		t.Fatal("expected invalid session")
	}
}

func TestObtainListenKey_BothFormats(t *testing.T) {
	bodies := []string{
		`{"code":"000000","success":true,"data":"lk-plain"}`,
		`{"code":"000000","success":true,"data":{"listenKey":"lk-object"}}`,
	}
	wants := []string{"lk-plain", "lk-object"}

	for i, body := range bodies {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		key, err := client.ObtainListenKey(context.Background(), "acct-1")
		if err != nil {
			t.Fatalf("format %d: ObtainListenKey returned error: %v", i, err)
		}
		if key != wants[i] {
			t.Fatalf("format %d: key mismatch got %q want %q", i, key, wants[i])
		}
	}
}

func TestClassifyBusiness(t *testing.T) {
	if classifyBusiness("100002001") != KindThrottled {
		t.Error("rate-limit code should be throttled")
	}
	if classifyBusiness("100001005") != KindTransient {
		t.Error("gateway code should be transient")
	}
	if classifyBusiness("336021") != KindTerminal {
		t.Error("unknown business code should be terminal")
	}
}

func TestTokenList_ParsesCatalog(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathTokenList {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"000000","success":true,"data":[
			{"alphaId":"ALPHA_118","symbol":"BR","baseAsset":"BR","chainId":"56","pricePrecision":8,"quantityPrecision":2},
			{"alphaId":"ALPHA_129","symbol":"ZKJ","baseAsset":"ZKJ","chainId":"56","pricePrecision":8,"quantityPrecision":2}
		]}`))
	}))

	assets, err := client.TokenList(context.Background())
	if err != nil {
		t.Fatalf("TokenList returned error: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("asset count mismatch got %d want 2", len(assets))
	}
	if assets[0].AlphaID != "ALPHA_118" || assets[0].Symbol != "BR" {
		t.Fatalf("first asset mismatch: %+v", assets[0])
	}
}

func TestTokenList_BusinessFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"100002001","success":false,"message":"too many requests"}`))
	}))

	_, err := client.TokenList(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindThrottled {
		t.Fatalf("kind mismatch got %s want %s", KindOf(err), KindThrottled)
	}
}
