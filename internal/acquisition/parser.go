package acquisition

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/wasilibs/go-re2"

	"agrisync/internal/domain"
)

// ErrNoSignal means the document parsed but carried no forecast or caution.
var ErrNoSignal = errors.New("no weather signal in document")

type Extraction struct {
	Label     string
	Forecasts []domain.ForecastRecord
	Cautions  []domain.CautionRecord
	Regions   []string
}

// Parser turns a bulletin into typed records. Implementations are
// interchangeable; the patterns are not part of the service contract.
type Parser interface {
	Parse(doc []byte, now time.Time) (Extraction, error)
}

// HeuristicParser extracts records with keyword patterns over the visible
// text blocks of an HTML or plain-text bulletin.
type HeuristicParser struct {
	// DefaultValidity applies to cautions that state no expiry.
	DefaultValidity time.Duration
}

func NewHeuristicParser() *HeuristicParser {
	return &HeuristicParser{DefaultValidity: 24 * time.Hour}
}

type hazardPattern struct {
	name string
	re   *re2.Regexp
}

var hazards = []hazardPattern{
	{"heavy-rain", re2.MustCompile(`(?i)\b(?:heavy|very heavy|extremely heavy|intense)\s+(?:rain|rainfall|showers)\b`)},
	{"thunderstorm", re2.MustCompile(`(?i)\b(?:thunderstorms?|thundershowers?|lightning)\b`)},
	{"heatwave", re2.MustCompile(`(?i)\bheat\s*-?\s*waves?\b`)},
	{"coldwave", re2.MustCompile(`(?i)\bcold\s*-?\s*waves?\b`)},
	{"frost", re2.MustCompile(`(?i)\b(?:ground\s+)?frost\b`)},
	{"hailstorm", re2.MustCompile(`(?i)\bhail(?:storms?|stones?)?\b`)},
	{"cyclone", re2.MustCompile(`(?i)\b(?:cyclon(?:e|ic)|deep depression)\b`)},
	{"strong-wind", re2.MustCompile(`(?i)\b(?:strong|gusty|squally)\s+winds?\b`)},
	{"dense-fog", re2.MustCompile(`(?i)\b(?:dense|thick)\s+fog\b`)},
	{"dry-spell", re2.MustCompile(`(?i)\bdry\s+spell\b`)},
}

var severityPatterns = []struct {
	level domain.Severity
	re    *re2.Regexp
}{
	{domain.SeverityCritical, re2.MustCompile(`(?i)\bred\s+(?:alert|warning)\b|\bextremely\s+heavy\b|\bsevere\s+cyclon`)},
	{domain.SeverityHigh, re2.MustCompile(`(?i)\borange\s+(?:alert|warning)\b|\bvery\s+heavy\b|\bsevere\b`)},
	{domain.SeverityMedium, re2.MustCompile(`(?i)\byellow\s+(?:alert|warning)\b|\bheavy\b|\bwarning\b`)},
}

var (
	reRegionSuffix = re2.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\s+(?:district|region|division|state|province)s?\b`)
	reRegionPrep   = re2.MustCompile(`\b(?:over|across)\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`)
	reTemperature  = re2.MustCompile(`(?i)\b(max(?:imum)?|min(?:imum)?)\.?\s*(?:temp(?:erature)?s?)?\s*(?:of|:|around|near|at|is|will be)?\s*(-?\d{1,2}(?:\.\d)?)\s*°?\s*C\b`)
	reRainfall     = re2.MustCompile(`(?i)\b(\d{1,3}(?:\.\d+)?)\s*mm\b`)
	reCondition    = re2.MustCompile(`(?i)\b(partly cloudy|mainly clear|clear sky|sunny|cloudy|overcast|light rain|moderate rain|rain|showers|drizzle|dry weather|humid|mist|fog)\b`)
	reValidUntil   = re2.MustCompile(`(?i)valid\s+(?:till|until|up\s*to)\s+(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})`)
	reNextPeriod   = re2.MustCompile(`(?i)\b(?:next|coming)\s+(\d{1,3})\s+(hours?|hrs?|days?)\b`)
	reSpace        = re2.MustCompile(`\s+`)
)

const blockSelector = "p, li, td, th, h1, h2, h3, h4, pre"

func (p *HeuristicParser) Parse(doc []byte, now time.Time) (Extraction, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse document: %w", err)
	}
	dom.Find("script, style, noscript").Remove()

	ext := Extraction{Label: bulletinLabel(dom)}

	var blocks []string
	dom.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		if sel.Find(blockSelector).Length() > 0 {
			return
		}
		if text := normalize(sel.Text()); len(text) >= 12 {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		for _, line := range strings.Split(dom.Text(), "\n") {
			if text := normalize(line); len(text) >= 12 {
				blocks = append(blocks, text)
			}
		}
	}

	validity := p.DefaultValidity
	if validity <= 0 {
		validity = 24 * time.Hour
	}

	seen := map[string]bool{}
	regions := map[string]bool{}
	for _, block := range blocks {
		region := findRegion(block)
		if region != "" {
			regions[region] = true
		}

		for _, h := range hazards {
			if !h.re.MatchString(block) {
				continue
			}
			c := domain.CautionRecord{
				ID:         uuid.NewSHA1(uuid.NameSpaceURL, []byte(h.name+"|"+region+"|"+block)).String(),
				Hazard:     h.name,
				Region:     region,
				Message:    truncate(block, 280),
				Severity:   severityOf(block),
				IssuedAt:   now,
				ValidUntil: validUntil(block, now, validity),
			}
			if !seen[c.ID] {
				seen[c.ID] = true
				ext.Cautions = append(ext.Cautions, c)
			}
		}

		if f, ok := forecastOf(block, region, now); ok {
			ext.Forecasts = append(ext.Forecasts, f)
		}
	}

	for r := range regions {
		ext.Regions = append(ext.Regions, r)
	}
	sort.Strings(ext.Regions)

	if len(ext.Forecasts) == 0 && len(ext.Cautions) == 0 {
		return ext, ErrNoSignal
	}
	return ext, nil
}

func bulletinLabel(dom *goquery.Document) string {
	for _, sel := range []string{"h1", "h2", "title"} {
		if text := normalize(dom.Find(sel).First().Text()); text != "" {
			return truncate(text, 120)
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func findRegion(block string) string {
	if m := reRegionSuffix.FindStringSubmatch(block); m != nil {
		return m[1]
	}
	if m := reRegionPrep.FindStringSubmatch(block); m != nil {
		return m[1]
	}
	return ""
}

func severityOf(block string) domain.Severity {
	for _, sp := range severityPatterns {
		if sp.re.MatchString(block) {
			return sp.level
		}
	}
	return domain.SeverityLow
}

func validUntil(block string, now time.Time, fallback time.Duration) time.Time {
	if m := reValidUntil.FindStringSubmatch(block); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			// End of the stated day.
			return time.Date(year, time.Month(month), day, 23, 59, 59, 0, now.Location())
		}
	}
	if m := reNextPeriod.FindStringSubmatch(block); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Hour
		if strings.HasPrefix(strings.ToLower(m[2]), "d") {
			unit = 24 * time.Hour
		}
		if n > 0 {
			return now.Add(time.Duration(n) * unit)
		}
	}
	return now.Add(fallback)
}

func forecastOf(block, region string, now time.Time) (domain.ForecastRecord, bool) {
	f := domain.ForecastRecord{
		Region: region,
		Date:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
	}
	found := false

	for _, m := range reTemperature.FindAllStringSubmatch(block, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(m[1]), "max") {
			f.TempMaxC = &v
		} else {
			f.TempMinC = &v
		}
		found = true
	}
	if m := reRainfall.FindStringSubmatch(block); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			f.RainfallMM = &v
			found = true
		}
	}
	if m := reCondition.FindStringSubmatch(block); m != nil {
		f.Condition = strings.ToLower(m[1])
		found = true
	}
	if !found {
		return domain.ForecastRecord{}, false
	}
	if f.Condition == "" {
		f.Condition = "unspecified"
	}
	f.Summary = truncate(block, 280)
	return f, true
}

// BaselineForecast is the conservative record used when a bulletin yields
// nothing usable.
func BaselineForecast(now time.Time) domain.ForecastRecord {
	return domain.ForecastRecord{
		Date:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		Condition: "normal",
		Summary:   "No significant weather anomaly reported",
		Baseline:  true,
	}
}
