package app

import (
	"strings"

	"github.com/mopatas/transaction-service/internal/domain"
)

const billFieldSeparator = ";"

// ParsedRecipient is the account a session pays plus, for bill payments, the
// descriptor that ends up in the settlement record.
type ParsedRecipient struct {
	AccountID  string
	Descriptor *domain.BillDescriptor
}

// ParseRecipientField interprets the recipient field for a kind.
//
// Bill payments use "recipient;client_ref;product_ref[;collector_ref]". Every
// other kind takes a bare account id; agent funding may leave it empty to
// mean the sender.
func ParseRecipientField(kind domain.TransactionKind, field, senderID string) (ParsedRecipient, error) {
	field = strings.TrimSpace(field)

	if kind == domain.KindBillPayment {
		return parseBillField(field)
	}

	if strings.Contains(field, billFieldSeparator) {
		return ParsedRecipient{}, domain.Errorf(domain.KindMalformedRecipientField,
			"recipient for %s must be a single account id", kind)
	}
	if field == "" {
		if kind == domain.KindAgentFunding {
			return ParsedRecipient{AccountID: senderID}, nil
		}
		return ParsedRecipient{}, domain.Errorf(domain.KindInvalidInput, "recipient is required")
	}
	return ParsedRecipient{AccountID: field}, nil
}

func parseBillField(field string) (ParsedRecipient, error) {
	parts := strings.Split(field, billFieldSeparator)
	if len(parts) < 3 || len(parts) > 4 {
		return ParsedRecipient{}, domain.Errorf(domain.KindMalformedRecipientField,
			"bill payment recipient must be recipient;client;product[;collector], got %d segments", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return ParsedRecipient{}, domain.Errorf(domain.KindMalformedRecipientField,
				"bill payment recipient segment %d is empty", i+1)
		}
	}

	descriptor := &domain.BillDescriptor{
		ClientRef:    parts[1],
		ProductRef:   parts[2],
		CollectorRef: parts[0],
	}
	if len(parts) == 4 {
		descriptor.CollectorRef = parts[3]
	}
	return ParsedRecipient{AccountID: parts[0], Descriptor: descriptor}, nil
}
