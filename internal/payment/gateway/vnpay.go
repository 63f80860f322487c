package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nqtran/shopflow/pkg/apperror"
)

const (
	vnpVersion    = "2.1.0"
	vnpDateLayout = "20060102150405"
)

type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	APIURL     string
	ReturnURL  string
	// Now is injectable for deterministic create dates in tests.
	Now func() time.Time
}

// VNPay signs a lexicographically sorted query string with HMAC-SHA512 and
// appends it as vnp_SecureHash. Amounts are sent in the provider's minor-unit
// convention (x100).
type VNPay struct {
	cfg    VNPayConfig
	client *http.Client
	now    func() time.Time
}

func NewVNPay(cfg VNPayConfig, client *http.Client) *VNPay {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &VNPay{cfg: cfg, client: client, now: now}
}

func (g *VNPay) Method() Method { return MethodVNPay }

func (g *VNPay) CreatePaymentURL(_ context.Context, req CreateRequest) (CreateResult, error) {
	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Locale", "vn")
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", req.PaymentID)
	params.Set("vnp_OrderInfo", req.OrderInfo)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Amount", strconv.FormatInt(req.Amount*100, 10))
	params.Set("vnp_ReturnUrl", g.cfg.ReturnURL)
	params.Set("vnp_IpAddr", req.ClientIP)
	params.Set("vnp_CreateDate", g.now().Format(vnpDateLayout))
	if req.BankCode != "" {
		params.Set("vnp_BankCode", req.BankCode)
	}

	encoded := params.Encode()
	return CreateResult{
		RedirectURL: g.cfg.PayURL + "?" + encoded + "&vnp_SecureHash=" + g.sign(encoded),
	}, nil
}

func (g *VNPay) VerifyCallback(_ context.Context, params url.Values) (CallbackResult, error) {
	provided := params.Get("vnp_SecureHash")

	signable := url.Values{}
	for k, vs := range params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		for _, v := range vs {
			signable.Add(k, v)
		}
	}

	res := CallbackResult{
		PaymentRef:  params.Get("vnp_TxnRef"),
		ProviderRef: params.Get("vnp_TransactionNo"),
		Code:        params.Get("vnp_ResponseCode"),
	}
	if minor, err := strconv.ParseInt(params.Get("vnp_Amount"), 10, 64); err == nil {
		res.Amount = minor / 100
	}

	expected := g.sign(signable.Encode())
	res.Valid = provided != "" && hmac.Equal([]byte(expected), []byte(provided))
	res.Succeeded = res.Valid && res.Code == "00"
	return res, nil
}

func (g *VNPay) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := url.Values{}
	params.Set("vnp_Version", vnpVersion)
	params.Set("vnp_Command", "refund")
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_RequestId", req.RequestID)
	params.Set("vnp_TransactionType", "02")
	params.Set("vnp_TxnRef", req.PaymentRef)
	params.Set("vnp_Amount", strconv.FormatInt(req.Amount*100, 10))
	params.Set("vnp_TransactionNo", req.ProviderRef)
	params.Set("vnp_CreateBy", req.RequestedBy)
	params.Set("vnp_CreateDate", g.now().Format(vnpDateLayout))
	params.Set("vnp_OrderInfo", req.Reason)

	body := make(map[string]string, len(params)+1)
	for k := range params {
		body[k] = params.Get(k)
	}
	body["vnp_SecureHash"] = g.sign(params.Encode())

	payload, err := json.Marshal(body)
	if err != nil {
		return RefundResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return RefundResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return RefundResult{}, apperror.Gatewayf("vnpay", err, "refund request failed")
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return RefundResult{}, apperror.Gatewayf("vnpay", err, "malformed refund response")
	}
	res := RefundResult{Raw: raw}
	if code, ok := raw["vnp_ResponseCode"].(string); ok {
		res.Code = code
	}
	if msg, ok := raw["vnp_Message"].(string); ok {
		res.Message = msg
	}
	if res.Code != "00" {
		return res, apperror.Newf(apperror.KindGateway, "vnpay: refund rejected with code %q", res.Code)
	}
	return res, nil
}

func (g *VNPay) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	_, _ = fmt.Fprint(mac, data)
	return hex.EncodeToString(mac.Sum(nil))
}
