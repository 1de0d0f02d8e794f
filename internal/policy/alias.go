package policy

// aliasTable normalizes server-supplied detector names to the
// classifier's canonical registry ids (spec §4.1). Grounded on
// agent.cpp's ExtractDataType mappedType table in original_source/.
var aliasTable = map[string]string{
	"aadhaar_number":    "aadhaar",
	"pan_card":          "pan",
	"ifsc_code":         "ifsc",
	"email_address":     "email",
	"indian_phone":      "phone",
	"phone_number":      "phone",
	"card_number":       "credit_card",
	"social_security":   "ssn",
	"secret_key":        "api_key",
	"access_token":      "api_key",
	"api_key_in_code":   "api_key",
	"bank_account":      "indian_bank_account",
	"micr_code":         "micr",
	"dob":               "indian_dob",
	"date_of_birth":     "indian_dob",
}

// NormalizeDataType maps a server-supplied detector name to its
// canonical registry id through the fixed alias table, passing unknown
// names through unchanged.
func NormalizeDataType(name string) string {
	if canon, ok := aliasTable[name]; ok {
		return canon
	}
	return name
}
