package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the wire envelope of the verification API. Success responses set
// Success and Tier; failures set the machine-readable Error code and
// optional human-readable Details.
type Body struct {
	Success bool   `json:"success"`
	Tier    string `json:"tier,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// Verified sends the success payload for a verified purchase.
func Verified(c *gin.Context, tier string) {
	c.JSON(http.StatusOK, Body{Success: true, Tier: tier})
}

// Fail sends an error payload with the given status and error code.
func Fail(c *gin.Context, statusCode int, code, details string) {
	c.JSON(statusCode, Body{Error: code, Details: details})
}
