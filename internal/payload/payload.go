// Package payload shapes domain events into the data field of the webhook
// envelope, so emitters elsewhere in the platform don't need to know the
// wire shape subscribers expect. Builders are pure: no I/O, no failure.
package payload

import (
	"fmt"
	"time"
)

// KeyCreated shapes an API-key creation event.
func KeyCreated(keyID, name, tier string) map[string]any {
	return map[string]any{
		"key_id": keyID,
		"name":   name,
		"tier":   tier,
	}
}

// KeyUsageLimit shapes a usage-threshold crossing. The message distinguishes
// the 90% warning from the 100% hard limit.
func KeyUsageLimit(keyID string, used, limit, thresholdPct int) map[string]any {
	var message string
	if thresholdPct >= 100 {
		message = fmt.Sprintf("API key %s has reached its usage limit (%d/%d requests)", keyID, used, limit)
	} else {
		message = fmt.Sprintf("API key %s has used %d%% of its usage limit (%d/%d requests)", keyID, thresholdPct, used, limit)
	}
	return map[string]any{
		"key_id":    keyID,
		"used":      used,
		"limit":     limit,
		"threshold": thresholdPct,
		"message":   message,
	}
}

// KeyUpgraded shapes a tier change on an API key.
func KeyUpgraded(keyID, fromTier, toTier string) map[string]any {
	return map[string]any{
		"key_id":    keyID,
		"from_tier": fromTier,
		"to_tier":   toTier,
	}
}

// PaymentReceived shapes an x402 payment receipt.
func PaymentReceived(keyID, txHash string, amount float64, currency, network string) map[string]any {
	return map[string]any{
		"key_id":   keyID,
		"tx_hash":  txHash,
		"amount":   amount,
		"currency": currency,
		"network":  network,
	}
}

// NewsArticle shapes an article for news.new, news.breaking, and
// news.trending alike.
func NewsArticle(id, title, source, url string, publishedAt time.Time) map[string]any {
	return map[string]any{
		"id":           id,
		"title":        title,
		"source":       source,
		"url":          url,
		"published_at": publishedAt.UTC().Format(time.RFC3339),
	}
}

// PriceAlert shapes a triggered price alert.
func PriceAlert(symbol string, price, target float64, direction string) map[string]any {
	return map[string]any{
		"symbol":    symbol,
		"price":     price,
		"target":    target,
		"direction": direction,
	}
}

// MarketMove shapes a significant market movement.
func MarketMove(symbol string, changePct float64, window string) map[string]any {
	return map[string]any{
		"symbol":     symbol,
		"change_pct": changePct,
		"window":     window,
	}
}

// SourceAdded shapes the addition of a new news source.
func SourceAdded(name, url string) map[string]any {
	return map[string]any{
		"name": name,
		"url":  url,
	}
}

// SystemHealth shapes a health status report.
func SystemHealth(status, message string) map[string]any {
	return map[string]any{
		"status":  status,
		"message": message,
	}
}
