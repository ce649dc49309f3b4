package template

import "github.com/lumeo-ai/contentforge/internal/models"

// Builtin returns the stock template catalog. Tier text grows more
// suggestive with the tier; T3 prompts are for paywalled distribution only.
func Builtin() []Template {
	return []Template{
		// fitness
		{ID: "fitness-t1-gym-mirror", Niche: "fitness", Tier: models.TierT1,
			Text: "{trigger_token}, candid gym mirror photo, athletic wear, post-workout glow, natural lighting"},
		{ID: "fitness-t1-outdoor-run", Niche: "fitness", Tier: models.TierT1,
			Text:  "{trigger_token}, morning run in the park, sporty outfit, golden hour, action shot",
			Knobs: models.GenerationConfig{Steps: 35}},
		{ID: "fitness-t2-stretch", Niche: "fitness", Tier: models.TierT2,
			Text: "{trigger_token}, yoga stretch session, form-fitting activewear, studio lighting, confident pose"},
		{ID: "fitness-t2-poolside", Niche: "fitness", Tier: models.TierT2,
			Text: "{trigger_token}, poolside after swim training, swimwear, sunlit, athletic physique"},
		{ID: "fitness-t3-locker", Niche: "fitness", Tier: models.TierT3,
			Text:  "{trigger_token}, locker room photoshoot, minimal athletic wear, dramatic shadows, editorial style",
			Knobs: models.GenerationConfig{CFG: 8.0}},
		{ID: "fitness-t3-studio", Niche: "fitness", Tier: models.TierT3,
			Text: "{trigger_token}, boudoir fitness editorial, low-key lighting, implied silhouette"},

		// fashion
		{ID: "fashion-t1-street", Niche: "fashion", Tier: models.TierT1,
			Text: "{trigger_token}, street style outfit of the day, urban backdrop, full body shot, crisp daylight"},
		{ID: "fashion-t1-cafe", Niche: "fashion", Tier: models.TierT1,
			Text: "{trigger_token}, cafe terrace candid, chic casual outfit, soft bokeh background"},
		{ID: "fashion-t2-evening", Niche: "fashion", Tier: models.TierT2,
			Text: "{trigger_token}, evening gown on a rooftop, city lights, elegant pose, cinematic color grade"},
		{ID: "fashion-t2-editorial", Niche: "fashion", Tier: models.TierT2,
			Text:  "{trigger_token}, high-fashion editorial, bold makeup, studio strobes, vogue pose",
			Knobs: models.GenerationConfig{Width: 768, Height: 1344}},
		{ID: "fashion-t3-lingerie", Niche: "fashion", Tier: models.TierT3,
			Text: "{trigger_token}, luxury lingerie campaign, satin sheets, soft window light, tasteful composition"},
		{ID: "fashion-t3-noir", Niche: "fashion", Tier: models.TierT3,
			Text: "{trigger_token}, film noir boudoir, lace details, venetian blind shadows"},

		// travel
		{ID: "travel-t1-beach", Niche: "travel", Tier: models.TierT1,
			Text: "{trigger_token}, tropical beach sunrise, summer dress, wide angle, travel vlog aesthetic"},
		{ID: "travel-t1-oldtown", Niche: "travel", Tier: models.TierT1,
			Text: "{trigger_token}, wandering european old town, cobblestone streets, camera over shoulder"},
		{ID: "travel-t2-infinity", Niche: "travel", Tier: models.TierT2,
			Text: "{trigger_token}, infinity pool overlooking the ocean, bikini, sunset glow, luxury resort"},
		{ID: "travel-t2-yacht", Niche: "travel", Tier: models.TierT2,
			Text: "{trigger_token}, yacht deck lounging, designer swimwear, mediterranean blue water"},
		{ID: "travel-t3-villa", Niche: "travel", Tier: models.TierT3,
			Text: "{trigger_token}, private villa at dusk, sheer cover-up, intimate candlelit ambience"},
		{ID: "travel-t3-suite", Niche: "travel", Tier: models.TierT3,
			Text: "{trigger_token}, hotel suite morning, silk robe slipping off shoulder, soft backlight"},

		// lifestyle
		{ID: "lifestyle-t1-coffee", Niche: "lifestyle", Tier: models.TierT1,
			Text: "{trigger_token}, cozy morning coffee at home, oversized sweater, warm window light"},
		{ID: "lifestyle-t1-market", Niche: "lifestyle", Tier: models.TierT1,
			Text: "{trigger_token}, farmers market stroll, casual weekend outfit, candid laughter"},
		{ID: "lifestyle-t2-bath", Niche: "lifestyle", Tier: models.TierT2,
			Text: "{trigger_token}, bubble bath selfie, rose petals, steam, playful expression"},
		{ID: "lifestyle-t2-bedroom", Niche: "lifestyle", Tier: models.TierT2,
			Text: "{trigger_token}, lazy sunday in bed, oversized shirt, messy hair, soft morning light"},
		{ID: "lifestyle-t3-candlelight", Niche: "lifestyle", Tier: models.TierT3,
			Text: "{trigger_token}, candlelit bedroom set, delicate lace set, intimate mood, shallow depth of field"},
		{ID: "lifestyle-t3-mirror", Niche: "lifestyle", Tier: models.TierT3,
			Text: "{trigger_token}, vintage mirror boudoir, silk slip, warm tungsten glow"},

		// gaming
		{ID: "gaming-t1-setup", Niche: "gaming", Tier: models.TierT1,
			Text: "{trigger_token}, rgb gaming setup, headset on, streaming overlay aesthetic, neon accents"},
		{ID: "gaming-t1-cosplay", Niche: "gaming", Tier: models.TierT1,
			Text: "{trigger_token}, convention cosplay, detailed costume, exhibition hall background"},
		{ID: "gaming-t2-neon", Niche: "gaming", Tier: models.TierT2,
			Text: "{trigger_token}, cyberpunk neon portrait, bodysuit, holographic city backdrop"},
		{ID: "gaming-t2-couch", Niche: "gaming", Tier: models.TierT2,
			Text: "{trigger_token}, late night gaming on the couch, crop top and shorts, controller in hand, tv glow"},
		{ID: "gaming-t3-afterdark", Niche: "gaming", Tier: models.TierT3,
			Text: "{trigger_token}, after-dark cosplay set, daring outfit variant, moody led lighting"},
		{ID: "gaming-t3-vr", Niche: "gaming", Tier: models.TierT3,
			Text: "{trigger_token}, vr headset boudoir concept, futuristic bodysuit half-unzipped, volumetric haze"},

		// food
		{ID: "food-t1-kitchen", Niche: "food", Tier: models.TierT1,
			Text: "{trigger_token}, cooking in a bright kitchen, apron, fresh ingredients, overhead warm light"},
		{ID: "food-t1-brunch", Niche: "food", Tier: models.TierT1,
			Text: "{trigger_token}, brunch spread flat-lay with {niche} creator in frame, pastel colors"},
		{ID: "food-t2-winetasting", Niche: "food", Tier: models.TierT2,
			Text: "{trigger_token}, wine tasting evening, off-shoulder dress, cellar candlelight"},
		{ID: "food-t2-dessert", Niche: "food", Tier: models.TierT2,
			Text: "{trigger_token}, tasting dessert playfully, elegant dinner wear, suggestive glance"},
		{ID: "food-t3-strawberries", Niche: "food", Tier: models.TierT3,
			Text: "{trigger_token}, strawberries and champagne in bed, silk lingerie, intimate warm light"},
		{ID: "food-t3-chocolate", Niche: "food", Tier: models.TierT3,
			Text: "{trigger_token}, chocolate tasting boudoir concept, lace detail, dramatic low key"},
	}
}
