package notifications

import (
	"bytes"
	"fmt"
	"html/template"
)

type claimData struct {
	ClaimURL string
	Minutes  int
}

type rechargeData struct {
	Amount  float64
	Balance float64
}

const layoutCSS = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 600px; margin: 0 auto; padding: 20px; }
.footer { text-align: center; color: #666; font-size: 12px; margin-top: 40px; }`

var claimTemplate = template.Must(template.New("claim").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><style>` + layoutCSS + `
.button { display: inline-block; padding: 12px 24px; background: #4F46E5; color: white; text-decoration: none; border-radius: 6px; font-weight: 600; }
.warning { background: #FEF3C7; border: 1px solid #F59E0B; padding: 12px; border-radius: 6px; margin: 20px 0; }
</style></head>
<body>
<div class="container">
  <h1>Welcome</h1>
  <p>Your account has been created. Collect your API key with the link below.</p>
  <p style="text-align: center; margin: 30px 0;"><a href="{{.ClaimURL}}" class="button">Collect API key</a></p>
  <div class="warning"><strong>Important:</strong> the key is shown only once. Save it right away. The link expires in {{.Minutes}} minutes.</div>
  <div class="footer"><p>Metered Gateway</p></div>
</div>
</body>
</html>`))

var rechargeTemplate = template.Must(template.New("recharge").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><style>` + layoutCSS + `
.amount { font-size: 32px; font-weight: bold; color: #10B981; text-align: center; }
.balance { background: #F3F4F6; padding: 16px; border-radius: 8px; text-align: center; margin: 20px 0; }
</style></head>
<body>
<div class="container">
  <h1>Top-up received</h1>
  <div class="amount">+${{printf "%.2f" .Amount}}</div>
  <div class="balance">
    <p style="margin: 0; color: #666;">Current balance</p>
    <p style="margin: 5px 0 0; font-size: 24px; font-weight: bold;">${{printf "%.2f" .Balance}}</p>
  </div>
  <p>Your existing API key keeps working.</p>
  <div class="footer"><p>Metered Gateway</p></div>
</div>
</body>
</html>`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}
