package models

// VerifyPurchaseRequest is the verify_purchase body sent through the
// authenticated request gateway.
type VerifyPurchaseRequest struct {
	Type          string `json:"type"`
	PurchaseToken string `json:"purchaseToken"`
	ProductID     string `json:"productId"`
	TransactionID string `json:"transactionId"`
	Timestamp     int64  `json:"timestamp"`
}

// VerifyPurchaseResponse is the verification endpoint response. On 200 the
// success flag and tier are set; on error responses the error code and
// optional details are set instead.
type VerifyPurchaseResponse struct {
	Success bool   `json:"success"`
	Tier    string `json:"tier,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}
