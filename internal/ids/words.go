package ids

// Bundled word lists for memorable host and agent names. Kept short and
// unambiguous so names are easy to type on a command line.

var adjectives = []string{
	"amber", "bold", "brave", "brisk", "calm", "clever", "crisp", "daring",
	"deft", "eager", "fleet", "fond", "gentle", "glad", "grand", "happy",
	"hardy", "keen", "kind", "lively", "loyal", "lucid", "merry", "mild",
	"nimble", "noble", "plucky", "proud", "quick", "quiet", "rapid", "sage",
	"sharp", "shiny", "sleek", "smart", "solid", "spry", "stout", "sturdy",
	"sunny", "swift", "tidy", "trusty", "vivid", "warm", "wise", "witty",
	"young", "zesty",
}

var nouns = []string{
	"badger", "bear", "beetle", "bison", "crane", "crow", "deer", "dove",
	"eagle", "falcon", "ferret", "finch", "fox", "gecko", "hare", "hawk",
	"heron", "ibis", "koala", "lark", "lemur", "lynx", "marten", "mole",
	"moose", "newt", "otter", "owl", "panda", "pike", "quail", "raven",
	"robin", "salmon", "seal", "shrew", "sparrow", "stork", "swan", "swift",
	"tapir", "tern", "toad", "trout", "viper", "vole", "walrus", "weasel",
	"wren", "yak",
}
