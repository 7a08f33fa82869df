package parser

import "github.com/sahab-io/rasid/internal/model"

// fieldLexicon is the bilingual synonym dictionary for schema inference.
// Keys are normalized header forms (see normalizeHeader).
var fieldLexicon = map[model.CanonicalField][]string{
	model.FieldSKU: {
		"sku", "code", "item code", "product code", "part number", "part no",
		"item no", "article",
		"کد کالا", "کد محصول", "کد قلم", "کد",
	},
	model.FieldGTIN: {
		"gtin", "barcode", "bar code", "ean", "upc",
		"بارکد", "شماره بارکد",
	},
	model.FieldProductName: {
		"product", "product name", "item", "item name", "description", "name",
		"goods",
		"کالا", "نام کالا", "شرح", "شرح کالا", "محصول", "نام محصول",
	},
	model.FieldQuantity: {
		"qty", "quantity", "count", "units", "pcs", "amount ordered",
		"تعداد", "مقدار", "عدد",
	},
	model.FieldUnitPrice: {
		"unit price", "price", "rate", "price each", "unit cost",
		"قیمت واحد", "قیمت", "فی", "نرخ", "بهای واحد",
	},
	model.FieldLineTotal: {
		"line total", "total", "amount", "extended", "line amount",
		"جمع", "مبلغ", "قیمت کل", "جمع ردیف", "مبلغ کل ردیف",
	},
	model.FieldCustomer: {
		"customer", "customer name", "client", "buyer", "account",
		"مشتری", "نام مشتری", "خریدار", "طرف حساب",
	},
	model.FieldSubtotal: {
		"subtotal", "sub total", "sub-total",
		"جمع جزء", "جمع کل بدون مالیات",
	},
	model.FieldTax: {
		"tax", "vat", "sales tax",
		"مالیات", "ارزش افزوده", "مالیات بر ارزش افزوده",
	},
	model.FieldTotal: {
		"grand total", "total amount", "total due", "invoice total",
		"مبلغ کل", "جمع کل", "جمع نهایی", "مبلغ نهایی",
	},
}

// headerKeywords is the flattened lexicon used when scoring candidate header
// rows; any cell matching one of these counts as a header keyword hit.
var headerKeywords = func() map[string]bool {
	kw := make(map[string]bool)
	for _, syns := range fieldLexicon {
		for _, s := range syns {
			kw[normalizeHeader(s)] = true
		}
	}
	return kw
}()

// totalsKeywords flag a body row as a totals row rather than a data row.
var totalsKeywords = []string{
	"total", "subtotal", "sub total", "grand total", "tax", "vat",
	"جمع", "جمع کل", "جمع جزء", "مالیات", "مبلغ کل", "جمع نهایی",
}
