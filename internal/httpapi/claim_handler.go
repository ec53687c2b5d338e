package httpapi

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"metered_gateway/internal/utils"
)

type claimRequest struct {
	Token string `json:"token"`
}

type claimResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"apiKey"`
	Email   string `json:"email"`
}

// handleClaim exchanges a one-time claim token for the API key it guards
func (d *Dependencies) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Token == "" {
		badRequest(w, "Missing required field: token")
		return
	}

	redemption, err := d.Claims.Redeem(r.Context(), req.Token)
	if err != nil {
		d.respondError(w, err, "Failed to redeem claim token")
		return
	}

	d.Logger.Info("Claim token redeemed", zap.String("account_id", redemption.AccountID))

	utils.RespondWithJSON(w, http.StatusOK, claimResponse{
		Success: true,
		APIKey:  redemption.Secret,
		Email:   redemption.Email,
	})
}

// handleClaimPage serves the browser page behind the emailed claim link.
// The page itself posts the token to /api/claim.
func (d *Dependencies) handleClaimPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	tmpl := claimPageTemplate
	if token == "" {
		tmpl = claimErrorTemplate
		w.WriteHeader(http.StatusBadRequest)
	}
	if err := tmpl.Execute(w, struct{ Token string }{token}); err != nil {
		d.Logger.Error("Failed to render claim page", zap.Error(err))
	}
}

const pageCSS = `* { box-sizing: border-box; margin: 0; padding: 0; }
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #eef0f7; min-height: 100vh; display: flex; align-items: center; justify-content: center; padding: 20px; }
.container { background: white; border-radius: 16px; padding: 40px; max-width: 500px; width: 100%; box-shadow: 0 20px 60px rgba(0,0,0,0.15); }
h1 { text-align: center; margin-bottom: 20px; font-size: 26px; }`

var claimPageTemplate = template.Must(template.New("claim-page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Collect your API key</title>
<style>` + pageCSS + `
.hidden { display: none; }
.error { color: #dc2626; text-align: center; }
.key { width: 100%; font-family: monospace; font-size: 14px; padding: 16px; margin: 20px 0; background: #f3f4f6; border: none; border-radius: 8px; }
button { width: 100%; padding: 14px; background: #4F46E5; color: white; border: none; border-radius: 8px; font-size: 16px; cursor: pointer; }
.warning { background: #FEF3C7; border: 1px solid #F59E0B; padding: 12px; border-radius: 8px; margin-top: 20px; font-size: 14px; }
</style>
</head>
<body>
<div class="container">
  <h1>Collect your API key</h1>
  <p id="loading">Fetching your API key...</p>
  <div id="success" class="hidden">
    <input id="apiKey" class="key" type="text" readonly>
    <button id="copy" type="button">Copy</button>
    <div class="warning"><strong>Important:</strong> this key is shown only once. Store it now.</div>
  </div>
  <div id="error" class="hidden error"><p id="errorMsg"></p></div>
</div>
<script>
const token = {{.Token}};
function show(id) { document.getElementById('loading').classList.add('hidden'); document.getElementById(id).classList.remove('hidden'); }
fetch('/api/claim', { method: 'POST', headers: { 'Content-Type': 'application/json' }, body: JSON.stringify({ token: token }) })
  .then(function (res) { return res.json(); })
  .then(function (data) {
    if (data.success) {
      document.getElementById('apiKey').value = data.apiKey;
      show('success');
    } else {
      document.getElementById('errorMsg').textContent = (data.error && data.error.message) || 'This link is invalid or has already been used.';
      show('error');
    }
  })
  .catch(function () {
    document.getElementById('errorMsg').textContent = 'Network error, please retry.';
    show('error');
  });
document.getElementById('copy').addEventListener('click', function () {
  navigator.clipboard.writeText(document.getElementById('apiKey').value);
  this.textContent = 'Copied';
});
</script>
</body>
</html>`))

var claimErrorTemplate = template.Must(template.New("claim-error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Invalid link</title>
<style>` + pageCSS + `</style>
</head>
<body>
<div class="container">
  <h1>Invalid link</h1>
  <p>Check the link in your email or contact support.</p>
</div>
</body>
</html>`))
