package extraction

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount 归一化后的金额，Value 为基本单位
type Amount struct {
	Value    decimal.Decimal
	Scale    int64
	Currency string
	Original string
}

// 数量级标记（小写），含瑞典语年报常见写法
var scaleWords = map[string]int64{
	"tkr": 1_000, "ksek": 1_000, "tsek": 1_000, "tusen": 1_000, "thousand": 1_000, "thousands": 1_000, "k": 1_000,
	"mkr": 1_000_000, "msek": 1_000_000, "mnkr": 1_000_000, "miljon": 1_000_000, "miljoner": 1_000_000,
	"mn": 1_000_000, "mio": 1_000_000, "million": 1_000_000, "millions": 1_000_000, "m": 1_000_000,
	"mdkr": 1_000_000_000, "mdr": 1_000_000_000, "mdsek": 1_000_000_000, "miljard": 1_000_000_000,
	"miljarder": 1_000_000_000, "billion": 1_000_000_000, "billions": 1_000_000_000, "bn": 1_000_000_000,
}

var currencyWords = map[string]string{
	"kr": "SEK", "sek": "SEK", "kronor": "SEK", "tkr": "SEK", "ksek": "SEK", "tsek": "SEK",
	"mkr": "SEK", "msek": "SEK", "mnkr": "SEK", "mdkr": "SEK", "mdsek": "SEK",
	"eur": "EUR", "€": "EUR", "usd": "USD", "$": "USD", "nok": "NOK", "dkk": "DKK",
}

var englishWords = map[string]bool{
	"usd": true, "$": true, "thousand": true, "thousands": true, "million": true,
	"millions": true, "billion": true, "billions": true, "bn": true,
}

var (
	amountPattern = regexp.MustCompile(`^([-−+]?)\s*([0-9][0-9\s\x{00a0}\x{202f}\x{2009}.,']*)$`)
	wordPattern   = regexp.MustCompile(`[\p{L}€$]+`)
)

// ParseAmount 解析金额字符串，如 "12,5 MSEK"、"1 234 tkr"、"(3 400)"、"USD 2.1 million"
// requireMarker 为 true 时，没有数量级或币种标记的纯数字不视为金额
func ParseAmount(s string, requireMarker bool) (Amount, bool) {
	original := s
	text := strings.TrimSpace(s)
	if text == "" {
		return Amount{}, false
	}

	// 拆出字母与货币符号，剩余部分必须是数字
	scale := int64(1)
	currency := ""
	marked := false
	english := false
	for _, w := range wordPattern.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		sc, isScale := scaleWords[lw]
		cur, isCur := currencyWords[lw]
		if !isScale && !isCur {
			return Amount{}, false
		}
		if isScale {
			scale = sc
		}
		if isCur {
			currency = cur
		}
		if englishWords[lw] {
			english = true
		}
		marked = true
	}
	numeric := strings.TrimSpace(wordPattern.ReplaceAllString(text, ""))
	numeric = strings.TrimSpace(strings.TrimSuffix(numeric, ":-"))

	negative := false
	if strings.HasPrefix(numeric, "(") && strings.HasSuffix(numeric, ")") {
		negative = true
		numeric = strings.TrimSpace(numeric[1 : len(numeric)-1])
	}

	m := amountPattern.FindStringSubmatch(numeric)
	if m == nil {
		return Amount{}, false
	}
	if requireMarker && !marked {
		return Amount{}, false
	}
	if m[1] == "-" || m[1] == "−" {
		negative = !negative
	}

	digitsOnly, ok := normalizeDigits(m[2], english)
	if !ok {
		return Amount{}, false
	}
	d, err := decimal.NewFromString(digitsOnly)
	if err != nil {
		return Amount{}, false
	}
	d = d.Mul(decimal.NewFromInt(scale))
	if negative {
		d = d.Neg()
	}
	return Amount{Value: d, Scale: scale, Currency: currency, Original: original}, true
}

// normalizeDigits 统一千分位与小数点
// 同时出现 , 和 . 时最后出现的是小数点；单个逗号按瑞典格式视为小数点；
// 单个句点且后面恰好三位数字视为千分位
// 英文金额（USD、million 等）中单个逗号且后跟三位数字时视为千分位
func normalizeDigits(s string, english bool) (string, bool) {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "\u2009", "", "'", "").Replace(s)
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return "", false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || (english && len(s)-lastComma-1 == 3) {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	if strings.Count(s, ".") > 1 {
		return "", false
	}
	return s, true
}
