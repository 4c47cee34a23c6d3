package parser

import (
	"strconv"
	"time"

	"marketflow/models"
)

// ParseUnifiedID derives the unified instrument id and display symbol from
// parsed fields. It depends only on base, quote, settle, kind, multiplier and
// expiration, so identical fields always give the identical id.
//
//	perp:        [mult]BASE/QUOTE:SETTLE-PERP
//	futures:     [mult]BASE/QUOTE:SETTLE-YYMMDD   (UTC expiration day)
//	spot/margin: [mult]BASE/QUOTE:SETTLE
func ParseUnifiedID(inst models.Instrument) (id, symbol string, err error) {
	switch {
	case inst.Base == "":
		return "", "", &models.IdentityError{Field: FieldBase}
	case inst.Quote == "":
		return "", "", &models.IdentityError{Field: FieldQuote}
	case inst.Settle == "":
		return "", "", &models.IdentityError{Field: FieldSettle}
	}

	id = inst.Base + "/" + inst.Quote + ":" + inst.Settle
	switch inst.Kind {
	case models.MarketPerp:
		id += "-PERP"
	case models.MarketFutures:
		if inst.Expiration == nil || *inst.Expiration <= 0 {
			return "", "", &models.IdentityError{Field: FieldExpiration}
		}
		id += "-" + time.UnixMilli(*inst.Expiration).UTC().Format("060102")
	}
	if inst.Multiplier > 1 {
		id = strconv.Itoa(inst.Multiplier) + id
	}
	return id, inst.Base + "/" + inst.Quote, nil
}
