// Package wordlist holds the fixed dictionary used to render transfer
// codes as "<num>-<word>-<word>". This list is frozen so codes generated
// and parsed by this implementation round-trip.
package wordlist

// Words is the frozen dictionary, at least 18 entries per the transfer-code
// grammar. Codes are only portable to other implementations that agree on
// this exact list.
var Words = []string{
	"anchor", "basil", "cedar", "delta", "ember",
	"falcon", "grove", "harbor", "indigo", "juniper",
	"kestrel", "lotus", "maple", "nectar", "opal",
	"pebble", "quartz", "reed", "saffron", "thistle",
	"umber", "violet", "willow", "yarrow",
}
